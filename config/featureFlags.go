package config

import (
	"os"
	"strconv"
	"strings"
)

func boolFromEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// ReserveStockAtCheckout enables the soft reservation counter: checkout bumps
// reserved qty per line and confirmation (or the expiry sweep) releases it.
// This narrows the window between the availability check and the eventual
// sale decrement; it does not eliminate it.
//
// Set via env:
// - RESERVE_STOCK_AT_CHECKOUT=true (default on; set to "false" to disable)
func ReserveStockAtCheckout() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("RESERVE_STOCK_AT_CHECKOUT")))
	if v == "" {
		return true
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// CheckoutReservationTTLMinutes is how long a pending order may hold its
// reservation before the sweep cancels it and releases the stock.
//
// Set via env:
// - CHECKOUT_RESERVATION_TTL_MINUTES (default 1440)
func CheckoutReservationTTLMinutes() int {
	v := strings.TrimSpace(os.Getenv("CHECKOUT_RESERVATION_TTL_MINUTES"))
	if v == "" {
		return 1440
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 1440
	}
	return n
}

// TrustUnsolicitedRefundWebhooks controls whether a refunded webhook that was
// not preceded by an admin refund may drive the order state machine. Default
// off: the payment row is updated and the event logged for manual review only.
//
// Set via env:
// - TRUST_UNSOLICITED_REFUND_WEBHOOKS=true
func TrustUnsolicitedRefundWebhooks() bool {
	return boolFromEnv("TRUST_UNSOLICITED_REFUND_WEBHOOKS")
}

// OrderNumberPrefix is the human-readable order number prefix
// ({PREFIX}-{year}-{5-digit sequence}).
//
// Set via env:
// - ORDER_NUMBER_PREFIX (default "ORD")
func OrderNumberPrefix() string {
	v := strings.TrimSpace(os.Getenv("ORDER_NUMBER_PREFIX"))
	if v == "" {
		return "ORD"
	}
	return v
}
