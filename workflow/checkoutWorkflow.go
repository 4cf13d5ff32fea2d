package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/shop_backend/config"
	"bitbucket.org/mmdatafocus/shop_backend/models"
	"bitbucket.org/mmdatafocus/shop_backend/payments"
	"bitbucket.org/mmdatafocus/shop_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
)

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

const defaultCurrency = "EUR"

// ProviderResolver is what the workflows need from the payment registry.
// *payments.Registry satisfies it; tests substitute a fake to exercise
// provider-failure paths without talking to a real gateway.
type ProviderResolver interface {
	ForProvider(key payments.ProviderKey) (payments.Provider, error)
}

var (
	ErrEmptyCart = errors.New("cart is empty")

	// ErrProviderUnavailable covers both an unknown provider key and a known
	// provider with missing or disabled credentials. Checked before any
	// order-mutating work.
	ErrProviderUnavailable = errors.New("payment provider unavailable")
)

// InsufficientStockError names the first offending line so the storefront can
// point the customer at it.
type InsufficientStockError struct {
	VariantId int
	Sku       string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for sku %s: requested %s, available %s",
		e.Sku, e.Requested.String(), e.Available.String())
}

type InvalidAddressError struct {
	Field  string
	Reason string
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid address: %s (%s)", e.Field, e.Reason)
}

type CheckoutAddressInput struct {
	Attention   string `json:"attention"`
	Street      string `json:"street" binding:"required"`
	City        string `json:"city" binding:"required"`
	Zip         string `json:"zip" binding:"required"`
	CountryCode string `json:"country_code" binding:"required"`
	Phone       string `json:"phone"`
}

type CheckoutInput struct {
	Provider        string               `json:"provider" binding:"required"`
	ShippingAddress CheckoutAddressInput `json:"shipping_address" binding:"required"`
	BillingAddress  CheckoutAddressInput `json:"billing_address" binding:"required"`
	ShippingHt      decimal.Decimal      `json:"shipping_ht"`
	DiscountHt      decimal.Decimal      `json:"discount_ht"`
	Currency        string               `json:"currency"`
	SuccessURL      string               `json:"success_url" binding:"required"`
	CancelURL       string               `json:"cancel_url" binding:"required"`
	Notes           string               `json:"notes"`
}

type CheckoutResult struct {
	OrderId     int    `json:"order_id"`
	OrderNumber string `json:"order_number"`
	RedirectURL string `json:"redirect_url"`
}

type checkoutLine struct {
	variant *models.ProductVariant
	item    models.OrderItem
}

// Checkout converts the customer's active cart into a pending order and a
// provider checkout session.
//
// Sequence: validate (provider, cart, stock, addresses) before any write; then
// one transaction for order number + order + items + reservation holds; then
// the provider call; then the pending payment row. A provider failure after
// the order exists compensates by deleting the order again, so no pending
// order ever sits around without a payment session behind it.
func Checkout(ctx context.Context, providers ProviderResolver, input *CheckoutInput) (*CheckoutResult, error) {
	logger := config.GetLogger()

	customerId, ok := utils.GetCustomerIdFromContext(ctx)
	if !ok {
		return nil, errors.New("customer id not found in context")
	}

	// The cart is checked first: an empty cart is the customer's problem and
	// reported as such even when the requested provider is also bad.
	cart, err := models.GetActiveCart(ctx, customerId)
	if err != nil || len(cart.Items) == 0 {
		return nil, ErrEmptyCart
	}

	providerKey, err := payments.ParseProviderKey(input.Provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrProviderUnavailable, input.Provider)
	}
	adapter, err := providers.ForProvider(providerKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrProviderUnavailable, input.Provider)
	}
	if !adapter.IsConfigured(ctx) {
		return nil, fmt.Errorf("%w: %s is not configured", ErrProviderUnavailable, providerKey)
	}

	shippingAddress, err := snapshotAddress(ctx, "shipping_address", &input.ShippingAddress)
	if err != nil {
		return nil, err
	}
	billingAddress, err := snapshotAddress(ctx, "billing_address", &input.BillingAddress)
	if err != nil {
		return nil, err
	}

	lines, subtotalHt, totalTax, err := buildOrderLines(ctx, cart)
	if err != nil {
		return nil, err
	}

	totalHt := subtotalHt.Add(input.ShippingHt).Sub(input.DiscountHt)
	totalTtc := totalHt.Add(totalTax)

	currency := input.Currency
	if currency == "" {
		currency = defaultCurrency
	}

	reserveStock := config.ReserveStockAtCheckout()

	// Best-effort: serializes concurrent checkouts of the same customer.
	// Over-reservation across customers is prevented by the availability check
	// plus the relative counter updates, not by this lock.
	release, err := utils.StockLock(ctx, fmt.Sprintf("checkout:%d", customerId), "checkoutWorkflow.go", "Checkout")
	if err != nil {
		return nil, err
	}
	defer release()

	db := config.GetDB()
	tx := db.Begin()

	year := time.Now().UTC().Year()

	var order models.Order
	// Two concurrent checkouts can mint the same sequence; the unique index on
	// order_number makes the loser's insert fail with 1062, so re-mint once.
	for attempt := 0; ; attempt++ {
		seq, err := models.NextOrderSequence(tx.WithContext(ctx), year)
		if err != nil {
			tx.Rollback()
			return nil, err
		}

		order = models.Order{
			CustomerId:      customerId,
			OrderNumber:     models.FormatOrderNumber(config.OrderNumberPrefix(), year, seq),
			OrderYear:       year,
			SequenceNo:      seq,
			Status:          models.OrderStatusPending,
			ShippingAddress: *shippingAddress,
			BillingAddress:  *billingAddress,
			SubtotalHt:      subtotalHt,
			ShippingHt:      input.ShippingHt,
			DiscountHt:      input.DiscountHt,
			TotalHt:         totalHt,
			TotalTax:        totalTax,
			TotalTtc:        totalTtc,
			Notes:           input.Notes,
			StockReserved:   &reserveStock,
		}
		for _, line := range lines {
			order.Items = append(order.Items, line.item)
		}

		err = tx.WithContext(ctx).Create(&order).Error
		if err == nil {
			break
		}
		if isDuplicateKeyErr(err) && attempt < 2 {
			continue
		}
		tx.Rollback()
		return nil, err
	}

	if reserveStock {
		for _, line := range lines {
			if err := models.AdjustVariantReservation(tx.WithContext(ctx), line.variant.ID, line.item.Qty); err != nil {
				tx.Rollback()
				return nil, err
			}
		}
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	params := payments.CheckoutParams{
		OrderId:     order.ID,
		OrderNumber: order.OrderNumber,
		AmountMinor: payments.DecimalToMinorUnits(order.TotalTtc),
		Currency:    currency,
		SuccessURL:  input.SuccessURL,
		CancelURL:   input.CancelURL,
		Metadata: map[string]string{
			"customer_id": strconv.Itoa(customerId),
		},
	}
	session, err := adapter.CreateCheckout(ctx, params)
	if err != nil {
		config.LogError(logger, "checkoutWorkflow.go", "Checkout", "CreateCheckout", order.OrderNumber, err)
		compensateCheckout(ctx, &order, lines, reserveStock)
		return nil, fmt.Errorf("create checkout session with %s: %w", providerKey, err)
	}

	payment := models.Payment{
		OrderId:           order.ID,
		Provider:          string(providerKey),
		Status:            models.PaymentStatusPending,
		Amount:            order.TotalTtc,
		Currency:          currency,
		ProviderSessionId: session.SessionId,
	}
	if err := db.WithContext(ctx).Create(&payment).Error; err != nil {
		config.LogError(logger, "checkoutWorkflow.go", "Checkout", "CreatePayment", order.OrderNumber, err)
		compensateCheckout(ctx, &order, lines, reserveStock)
		return nil, err
	}

	logger.WithField("orderNumber", order.OrderNumber).
		WithField("provider", string(providerKey)).
		WithField("totalTtc", order.TotalTtc.String()).
		Info("checkout created")

	return &CheckoutResult{
		OrderId:     order.ID,
		OrderNumber: order.OrderNumber,
		RedirectURL: session.RedirectURL,
	}, nil
}

func snapshotAddress(ctx context.Context, field string, input *CheckoutAddressInput) (*models.OrderAddress, error) {
	country, err := models.ResolveCountry(ctx, input.CountryCode)
	if err != nil {
		return nil, &InvalidAddressError{Field: field + ".country_code", Reason: "unknown country code"}
	}
	if input.Phone != "" {
		if err := utils.ValidatePhoneNumber(input.Phone, country.Code); err != nil {
			return nil, &InvalidAddressError{Field: field + ".phone", Reason: err.Error()}
		}
	}
	return &models.OrderAddress{
		Attention:   input.Attention,
		Street:      input.Street,
		City:        input.City,
		Zip:         input.Zip,
		CountryCode: country.Code,
		CountryName: country.Name,
		Phone:       input.Phone,
	}, nil
}

// buildOrderLines snapshots each cart line into an order item and checks
// availability against quantity minus reserved. The check here is advisory
// (it reads outside the creating transaction); the reservation counters are
// what actually hold the stock.
func buildOrderLines(ctx context.Context, cart *models.Cart) ([]checkoutLine, decimal.Decimal, decimal.Decimal, error) {
	var (
		lines      []checkoutLine
		subtotalHt = decimal.Zero
		totalTax   = decimal.Zero
	)
	for _, cartItem := range cart.Items {
		if cartItem.Qty.LessThanOrEqual(decimal.Zero) {
			continue
		}
		variant, product, err := models.GetVariantWithProduct(ctx, cartItem.VariantId)
		if err != nil {
			return nil, decimal.Zero, decimal.Zero, err
		}
		if available := variant.AvailableQty(); available.LessThan(cartItem.Qty) {
			return nil, decimal.Zero, decimal.Zero, &InsufficientStockError{
				VariantId: variant.ID,
				Sku:       variant.Sku,
				Requested: cartItem.Qty,
				Available: available,
			}
		}
		taxRate, err := models.GetTaxRate(ctx, product.TaxRateId)
		if err != nil {
			return nil, decimal.Zero, decimal.Zero, err
		}

		label := product.Name
		if variant.Label != "" {
			label = product.Name + " - " + variant.Label
		}
		variantId := variant.ID
		item := models.OrderItem{
			VariantId:      &variantId,
			Label:          label,
			Qty:            cartItem.Qty,
			UnitPriceHt:    variant.PriceHt,
			TaxRatePercent: taxRate.Percent,
		}
		item.CalculateLineTotals()

		subtotalHt = subtotalHt.Add(item.TotalHt)
		totalTax = totalTax.Add(item.TotalTax)
		lines = append(lines, checkoutLine{variant: variant, item: item})
	}
	if len(lines) == 0 {
		return nil, decimal.Zero, decimal.Zero, ErrEmptyCart
	}
	return lines, subtotalHt, totalTax, nil
}

// compensateCheckout unwinds the order created before the provider call
// failed: reservations back, items and order gone. Best-effort; a failure
// here leaves an orphan pending order for the reservation sweep to cancel.
func compensateCheckout(ctx context.Context, order *models.Order, lines []checkoutLine, reserved bool) {
	logger := config.GetLogger()
	db := config.GetDB()
	tx := db.Begin()

	if reserved {
		for _, line := range lines {
			if err := models.AdjustVariantReservation(tx.WithContext(ctx), line.variant.ID, line.item.Qty.Neg()); err != nil {
				tx.Rollback()
				config.LogError(logger, "checkoutWorkflow.go", "compensateCheckout", "AdjustVariantReservation", order.OrderNumber, err)
				return
			}
		}
	}
	if err := tx.WithContext(ctx).Where("order_id = ?", order.ID).Delete(&models.OrderItem{}).Error; err != nil {
		tx.Rollback()
		config.LogError(logger, "checkoutWorkflow.go", "compensateCheckout", "DeleteOrderItems", order.OrderNumber, err)
		return
	}
	if err := tx.WithContext(ctx).Delete(&models.Order{}, order.ID).Error; err != nil {
		tx.Rollback()
		config.LogError(logger, "checkoutWorkflow.go", "compensateCheckout", "DeleteOrder", order.OrderNumber, err)
		return
	}
	if err := tx.Commit().Error; err != nil {
		config.LogError(logger, "checkoutWorkflow.go", "compensateCheckout", "Commit", order.OrderNumber, err)
		return
	}
	logger.WithField("orderNumber", order.OrderNumber).Info("checkout compensated after provider failure")
}
