package payments

import "github.com/shopspring/decimal"

// DecimalToMinorUnits converts a decimal amount to integer minor currency
// units (cents). Money never touches a float on its way to a provider.
func DecimalToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// MinorUnitsToDecimal is the inverse (cents -> decimal amount).
func MinorUnitsToDecimal(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// MinorUnitsToAmountString renders cents as a "12.34" style string for
// providers that take decimal strings on the wire (PayPal).
func MinorUnitsToAmountString(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}

// amountStringToMinorUnits parses a "12.34" style provider amount into cents.
// Unparseable input yields 0; callers treat the amount as advisory.
func amountStringToMinorUnits(s string) int64 {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return DecimalToMinorUnits(d)
}
