package models_test

import (
	"encoding/json"
	"testing"

	"bitbucket.org/mmdatafocus/shop_backend/models"
)

// The transition table is the contract between order status changes and the
// stock ledger; this pins every pair that touches the ledger and a sample of
// pairs that must not.
func TestStockEffectTable(t *testing.T) {
	cases := []struct {
		from, to    models.OrderStatus
		wantApplies bool
		wantSale    bool
	}{
		{models.OrderStatusPending, models.OrderStatusConfirmed, true, true},
		{models.OrderStatusConfirmed, models.OrderStatusCancelled, true, false},
		{models.OrderStatusProcessing, models.OrderStatusCancelled, true, false},
		{models.OrderStatusShipped, models.OrderStatusCancelled, true, false},
		{models.OrderStatusDelivered, models.OrderStatusRefunded, true, false},

		// No ledger effect: cancelling before payment never booked a sale,
		// and forward fulfillment moves don't touch quantity.
		{models.OrderStatusPending, models.OrderStatusCancelled, false, false},
		{models.OrderStatusConfirmed, models.OrderStatusProcessing, false, false},
		{models.OrderStatusProcessing, models.OrderStatusShipped, false, false},
		{models.OrderStatusShipped, models.OrderStatusDelivered, false, false},

		// Pairs outside the lifecycle are plain status writes too.
		{models.OrderStatusDelivered, models.OrderStatusCancelled, false, false},
		{models.OrderStatusCancelled, models.OrderStatusConfirmed, false, false},
		{models.OrderStatusRefunded, models.OrderStatusPending, false, false},
	}
	for _, tc := range cases {
		applies, isSale := models.StockEffectFor(tc.from, tc.to)
		if applies != tc.wantApplies || isSale != tc.wantSale {
			t.Fatalf("StockEffectFor(%s, %s) = (%v, %v), want (%v, %v)",
				tc.from, tc.to, applies, isSale, tc.wantApplies, tc.wantSale)
		}
	}
}

// Admin clients read the transition response by its JSON field names; "success"
// is the published one.
func TestTransitionResultJSONShape(t *testing.T) {
	result := models.TransitionResult{
		Applied:        true,
		PreviousStatus: models.OrderStatusPending,
		NewStatus:      models.OrderStatusConfirmed,
	}
	raw, err := json.Marshal(&result)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if success, ok := fields["success"].(bool); !ok || !success {
		t.Fatalf("expected success=true in %s", raw)
	}
	if _, stale := fields["applied"]; stale {
		t.Fatalf("unexpected applied field in %s", raw)
	}
}
