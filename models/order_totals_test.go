package models_test

import (
	"testing"

	"bitbucket.org/mmdatafocus/shop_backend/models"
	"github.com/shopspring/decimal"
)

func TestCalculateLineTotals(t *testing.T) {
	cases := []struct {
		name      string
		qty       string
		unitPrice string
		ratePct   string
		wantHt    string
		wantTax   string
	}{
		{"standard rate", "3", "19.99", "20", "59.97", "11.994"},
		{"reduced rate", "2", "10.50", "5.5", "21", "1.155"},
		{"zero rate", "4", "25", "0", "100", "0"},
		{"fractional qty", "0.5", "8", "20", "4", "0.8"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			item := models.OrderItem{
				Qty:            decimal.RequireFromString(tc.qty),
				UnitPriceHt:    decimal.RequireFromString(tc.unitPrice),
				TaxRatePercent: decimal.RequireFromString(tc.ratePct),
			}
			item.CalculateLineTotals()

			if !item.TotalHt.Equal(decimal.RequireFromString(tc.wantHt)) {
				t.Fatalf("TotalHt = %s, want %s", item.TotalHt, tc.wantHt)
			}
			if !item.TotalTax.Equal(decimal.RequireFromString(tc.wantTax)) {
				t.Fatalf("TotalTax = %s, want %s", item.TotalTax, tc.wantTax)
			}
		})
	}
}

func TestFormatOrderNumber(t *testing.T) {
	if got := models.FormatOrderNumber("ORD", 2026, 1); got != "ORD-2026-00001" {
		t.Fatalf("FormatOrderNumber = %q, want ORD-2026-00001", got)
	}
	if got := models.FormatOrderNumber("ORD", 2026, 42); got != "ORD-2026-00042" {
		t.Fatalf("FormatOrderNumber = %q, want ORD-2026-00042", got)
	}
	// Past the zero-pad width the number keeps growing, it is never truncated.
	if got := models.FormatOrderNumber("SHOP", 2027, 123456); got != "SHOP-2027-123456" {
		t.Fatalf("FormatOrderNumber = %q, want SHOP-2027-123456", got)
	}
}

func TestOrderStatusValidity(t *testing.T) {
	valid := []models.OrderStatus{
		models.OrderStatusPending, models.OrderStatusConfirmed, models.OrderStatusProcessing,
		models.OrderStatusShipped, models.OrderStatusDelivered, models.OrderStatusCancelled,
		models.OrderStatusRefunded,
	}
	for _, s := range valid {
		if !s.IsValid() {
			t.Fatalf("expected %s to be valid", s)
		}
	}
	for _, s := range []models.OrderStatus{"", "PENDING", "paid", "shipped "} {
		if s.IsValid() {
			t.Fatalf("expected %q to be invalid", s)
		}
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	terminal := map[models.OrderStatus]bool{
		models.OrderStatusPending:    false,
		models.OrderStatusConfirmed:  false,
		models.OrderStatusProcessing: false,
		models.OrderStatusShipped:    false,
		models.OrderStatusDelivered:  true,
		models.OrderStatusCancelled:  true,
		models.OrderStatusRefunded:   true,
	}
	for s, want := range terminal {
		if got := s.IsTerminal(); got != want {
			t.Fatalf("IsTerminal(%s) = %v, want %v", s, got, want)
		}
	}
}

func TestVariantAvailableQty(t *testing.T) {
	variant := models.ProductVariant{
		Quantity: decimal.RequireFromString("10"),
		Reserved: decimal.RequireFromString("3"),
	}
	if got := variant.AvailableQty(); !got.Equal(decimal.RequireFromString("7")) {
		t.Fatalf("AvailableQty = %s, want 7", got)
	}
}
