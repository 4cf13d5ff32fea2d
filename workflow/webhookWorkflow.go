package workflow

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/shop_backend/config"
	"bitbucket.org/mmdatafocus/shop_backend/models"
	"bitbucket.org/mmdatafocus/shop_backend/payments"
	"bitbucket.org/mmdatafocus/shop_backend/utils"
)

const (
	ReconcileOutcomeApplied   = "applied"
	ReconcileOutcomeDuplicate = "duplicate"
	ReconcileOutcomeIgnored   = "ignored"
)

type ReconcileResult struct {
	Outcome           string               `json:"outcome"`
	OrderId           int                  `json:"order_id"`
	PaymentStatus     models.PaymentStatus `json:"payment_status"`
	OrderTransitioned bool                 `json:"order_transitioned"`
}

// ReconcileWebhook is the single entry point for inbound provider
// notifications. It verifies the signature, then applies the canonical result
// to the payment, its audit log and the order state machine in one
// transaction.
//
// Verification failure returns payments.ErrBadSignature and nothing is
// written. Everything after verification is an acknowledged outcome, even
// duplicates and payloads that match no payment: providers retry on non-2xx,
// and retrying an unmatchable payload forever helps no one.
func ReconcileWebhook(ctx context.Context, providers ProviderResolver, provider string, rawPayload []byte, signatureHeader string) (*ReconcileResult, error) {
	logger := config.GetLogger()

	providerKey, err := payments.ParseProviderKey(provider)
	if err != nil {
		return nil, err
	}
	adapter, err := providers.ForProvider(providerKey)
	if err != nil {
		return nil, err
	}

	result, err := adapter.VerifyWebhook(ctx, rawPayload, signatureHeader)
	if err != nil {
		return nil, err
	}

	// Events that do not represent a terminal payment outcome (session
	// created, capture pending, provider chatter) are acknowledged untouched.
	if result.Status == models.PaymentStatusPending {
		return &ReconcileResult{Outcome: ReconcileOutcomeIgnored}, nil
	}
	if result.OrderId == 0 {
		config.LogWarn(logger, "webhookWorkflow.go", "ReconcileWebhook", "OrderId", string(providerKey),
			"verified webhook carries no order reference")
		return &ReconcileResult{Outcome: ReconcileOutcomeIgnored}, nil
	}

	payment, err := models.GetPaymentByOrderId(ctx, result.OrderId)
	if err != nil {
		config.LogWarn(logger, "webhookWorkflow.go", "ReconcileWebhook", "GetPaymentByOrderId", result.OrderId,
			"verified webhook matches no payment")
		return &ReconcileResult{Outcome: ReconcileOutcomeIgnored, OrderId: result.OrderId}, nil
	}

	if result.AmountMinor != 0 && result.AmountMinor != payments.DecimalToMinorUnits(payment.Amount) {
		config.LogWarn(logger, "webhookWorkflow.go", "ReconcileWebhook", "AmountMinor", result.OrderId,
			fmt.Sprintf("webhook amount %d disagrees with stored payment amount %d",
				result.AmountMinor, payments.DecimalToMinorUnits(payment.Amount)))
	}

	eventType := fmt.Sprintf("%s.%s", providerKey, result.Status)

	switch result.Status {
	case models.PaymentStatusCompleted:
		return reconcileCompleted(ctx, payment, result, eventType)
	case models.PaymentStatusFailed:
		return reconcileFailed(ctx, payment, result, eventType)
	case models.PaymentStatusRefunded:
		return reconcileUnsolicitedRefund(ctx, payment, result, eventType)
	}
	return &ReconcileResult{Outcome: ReconcileOutcomeIgnored, OrderId: result.OrderId}, nil
}

// reconcileCompleted is the success path: payment completed, order
// pending → confirmed, stock decremented, all in one transaction.
//
// The idempotency gate is the conditional payment update: a replayed webhook
// finds the payment already completed, affects zero rows, and only the audit
// event is appended. The conditional order update inside the transition gives
// the same guarantee one level down, so webhook replays and concurrent admin
// confirms all collapse into exactly one stock decrement.
//
// The confirm transition only ever fires from pending. A late completion on an
// order that already left pending (sweep cancel, admin action) still records
// the charge on the payment, but the order is left alone and flagged for
// manual review: confirming from any other status would skip the sale move
// and desync stock from reality.
func reconcileCompleted(ctx context.Context, payment *models.Payment, result *payments.CanonicalPaymentResult, eventType string) (*ReconcileResult, error) {
	logger := config.GetLogger()

	order, err := utils.FetchModel[models.Order](ctx, payment.OrderId, "Items")
	if err != nil {
		return nil, err
	}

	release, err := utils.StockLock(ctx, fmt.Sprintf("order:%d", order.ID), "webhookWorkflow.go", "reconcileCompleted")
	if err != nil {
		return nil, err
	}
	defer release()

	db := config.GetDB()
	tx := db.Begin()

	res := tx.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status <> ?", payment.ID, models.PaymentStatusCompleted).
		Updates(map[string]interface{}{
			"status":                  models.PaymentStatusCompleted,
			"provider_transaction_id": result.ProviderTransactionId,
		})
	if res.Error != nil {
		tx.Rollback()
		return nil, res.Error
	}

	if res.RowsAffected == 0 {
		// Replay. Audit row only.
		if err := models.AppendPaymentEvent(tx.WithContext(ctx), payment.ID, eventType, result.RawPayload); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := tx.Commit().Error; err != nil {
			return nil, err
		}
		logger.WithField("orderNumber", order.OrderNumber).Info("duplicate payment webhook acknowledged")
		return &ReconcileResult{
			Outcome:       ReconcileOutcomeDuplicate,
			OrderId:       order.ID,
			PaymentStatus: models.PaymentStatusCompleted,
		}, nil
	}

	if err := models.AppendPaymentEvent(tx.WithContext(ctx), payment.ID, eventType, result.RawPayload); err != nil {
		tx.Rollback()
		return nil, err
	}

	transitioned := false
	if order.Status == models.OrderStatusPending {
		transition, err := models.TransitionOrderStatusInTx(tx.WithContext(ctx), order, models.OrderStatusConfirmed)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		transitioned = transition.Applied
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	if !transitioned && order.Status != models.OrderStatusPending {
		config.LogWarn(logger, "webhookWorkflow.go", "reconcileCompleted", "OrderStatus", order.OrderNumber,
			fmt.Sprintf("payment completed but order is %s, not pending; left for manual review", order.Status))
	} else {
		logger.WithField("orderNumber", order.OrderNumber).
			WithField("providerTransactionId", result.ProviderTransactionId).
			Info("payment completed, order confirmed")
	}

	return &ReconcileResult{
		Outcome:           ReconcileOutcomeApplied,
		OrderId:           order.ID,
		PaymentStatus:     models.PaymentStatusCompleted,
		OrderTransitioned: transitioned,
	}, nil
}

// reconcileFailed marks the payment failed and leaves the order pending so the
// customer can start a fresh payment session without rebuilding the cart.
func reconcileFailed(ctx context.Context, payment *models.Payment, result *payments.CanonicalPaymentResult, eventType string) (*ReconcileResult, error) {
	db := config.GetDB()
	tx := db.Begin()

	res := tx.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status = ?", payment.ID, models.PaymentStatusPending).
		Updates(map[string]interface{}{
			"status":                  models.PaymentStatusFailed,
			"provider_transaction_id": result.ProviderTransactionId,
		})
	if res.Error != nil {
		tx.Rollback()
		return nil, res.Error
	}
	if err := models.AppendPaymentEvent(tx.WithContext(ctx), payment.ID, eventType, result.RawPayload); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	outcome := ReconcileOutcomeApplied
	if res.RowsAffected == 0 {
		outcome = ReconcileOutcomeDuplicate
	}
	return &ReconcileResult{
		Outcome:       outcome,
		OrderId:       payment.OrderId,
		PaymentStatus: models.PaymentStatusFailed,
	}, nil
}

// reconcileUnsolicitedRefund handles a refunded result arriving from the
// provider rather than from the admin refund flow. By default it is recorded
// for manual review only; TRUST_UNSOLICITED_REFUND_WEBHOOKS makes it drive
// the payment and, for delivered orders, the refund transition.
func reconcileUnsolicitedRefund(ctx context.Context, payment *models.Payment, result *payments.CanonicalPaymentResult, eventType string) (*ReconcileResult, error) {
	logger := config.GetLogger()

	if !config.TrustUnsolicitedRefundWebhooks() {
		// The provider is the source of truth for the charge, so the payment
		// mirrors it. The order and its stock stay untouched until an admin
		// runs the refund flow.
		db := config.GetDB()
		tx := db.Begin()
		res := tx.WithContext(ctx).Model(&models.Payment{}).
			Where("id = ? AND status = ?", payment.ID, models.PaymentStatusCompleted).
			Update("status", models.PaymentStatusRefunded)
		if res.Error != nil {
			tx.Rollback()
			return nil, res.Error
		}
		if err := models.AppendPaymentEvent(tx.WithContext(ctx), payment.ID, eventType+".unsolicited", result.RawPayload); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := tx.Commit().Error; err != nil {
			return nil, err
		}
		config.LogWarn(logger, "webhookWorkflow.go", "reconcileUnsolicitedRefund", "OrderId", payment.OrderId,
			"unsolicited refund webhook recorded for manual review")
		status := payment.Status
		if res.RowsAffected > 0 {
			status = models.PaymentStatusRefunded
		}
		return &ReconcileResult{
			Outcome:       ReconcileOutcomeIgnored,
			OrderId:       payment.OrderId,
			PaymentStatus: status,
		}, nil
	}

	order, err := utils.FetchModel[models.Order](ctx, payment.OrderId, "Items")
	if err != nil {
		return nil, err
	}

	release, err := utils.StockLock(ctx, fmt.Sprintf("order:%d", order.ID), "webhookWorkflow.go", "reconcileUnsolicitedRefund")
	if err != nil {
		return nil, err
	}
	defer release()

	db := config.GetDB()
	tx := db.Begin()

	res := tx.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status = ?", payment.ID, models.PaymentStatusCompleted).
		Update("status", models.PaymentStatusRefunded)
	if res.Error != nil {
		tx.Rollback()
		return nil, res.Error
	}
	if err := models.AppendPaymentEvent(tx.WithContext(ctx), payment.ID, eventType, result.RawPayload); err != nil {
		tx.Rollback()
		return nil, err
	}

	transitioned := false
	if res.RowsAffected > 0 && order.Status == models.OrderStatusDelivered {
		transition, err := models.TransitionOrderStatusInTx(tx.WithContext(ctx), order, models.OrderStatusRefunded)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		transitioned = transition.Applied
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	outcome := ReconcileOutcomeApplied
	if res.RowsAffected == 0 {
		outcome = ReconcileOutcomeDuplicate
	}
	return &ReconcileResult{
		Outcome:           outcome,
		OrderId:           order.ID,
		PaymentStatus:     models.PaymentStatusRefunded,
		OrderTransitioned: transitioned,
	}, nil
}
