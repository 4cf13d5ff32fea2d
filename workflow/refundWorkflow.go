package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/shop_backend/config"
	"bitbucket.org/mmdatafocus/shop_backend/models"
	"bitbucket.org/mmdatafocus/shop_backend/payments"
	"bitbucket.org/mmdatafocus/shop_backend/utils"
	"github.com/shopspring/decimal"
)

var (
	ErrRefundNotAllowed = errors.New("payment is not refundable")
	ErrRefundAmount     = errors.New("refund amount must be positive and at most the captured amount")
)

type RefundInput struct {
	// Amount is optional; absent means a full refund.
	Amount *decimal.Decimal `json:"amount"`
	Reason string           `json:"reason"`
}

type RefundOutcome struct {
	RefundId          string               `json:"refund_id"`
	PaymentStatus     models.PaymentStatus `json:"payment_status"`
	OrderTransitioned bool                 `json:"order_transitioned"`
}

// RefundPayment is the admin-driven refund flow: call the provider first,
// then record the outcome. A full refund moves the payment to refunded and,
// when the order was delivered, drives the delivered → refunded transition
// (which restocks via return moves). A partial refund keeps the payment
// completed and only appends the audit event.
//
// The provider call happens outside any transaction on purpose: refunds are
// not idempotent on our side the way webhooks are, and a rolled-back local
// write must never imply the provider call did not happen. The audit event is
// therefore written even if the later status writes lose a race.
func RefundPayment(ctx context.Context, providers ProviderResolver, orderId int, input *RefundInput) (*RefundOutcome, error) {
	logger := config.GetLogger()

	payment, err := models.GetPaymentByOrderId(ctx, orderId)
	if err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentStatusCompleted || payment.ProviderTransactionId == nil {
		return nil, ErrRefundNotAllowed
	}

	providerKey, err := payments.ParseProviderKey(payment.Provider)
	if err != nil {
		return nil, err
	}
	adapter, err := providers.ForProvider(providerKey)
	if err != nil {
		return nil, err
	}

	var amountMinor *int64
	fullRefund := true
	if input != nil && input.Amount != nil {
		if input.Amount.LessThanOrEqual(decimal.Zero) || input.Amount.GreaterThan(payment.Amount) {
			return nil, ErrRefundAmount
		}
		if !input.Amount.Equal(payment.Amount) {
			fullRefund = false
			m := payments.DecimalToMinorUnits(*input.Amount)
			amountMinor = &m
		}
	}

	refund, err := adapter.Refund(ctx, *payment.ProviderTransactionId, amountMinor)
	if err != nil {
		config.LogError(logger, "refundWorkflow.go", "RefundPayment", "Refund", orderId, err)
		return nil, err
	}
	if !refund.Success {
		return nil, fmt.Errorf("provider rejected refund: %s", refund.Error)
	}

	actorId, _ := utils.GetUserIdFromContext(ctx)
	eventPayload, _ := json.Marshal(map[string]interface{}{
		"refund_id":   refund.RefundId,
		"full_refund": fullRefund,
		"reason":      reasonOf(input),
		"actor_id":    actorId,
	})
	eventType := fmt.Sprintf("%s.refund.manual", providerKey)

	order, err := utils.FetchModel[models.Order](ctx, orderId, "Items")
	if err != nil {
		return nil, err
	}

	release, err := utils.StockLock(ctx, fmt.Sprintf("order:%d", orderId), "refundWorkflow.go", "RefundPayment")
	if err != nil {
		return nil, err
	}
	defer release()

	db := config.GetDB()
	tx := db.Begin()

	if err := models.AppendPaymentEvent(tx.WithContext(ctx), payment.ID, eventType, eventPayload); err != nil {
		tx.Rollback()
		return nil, err
	}

	paymentStatus := models.PaymentStatusCompleted
	transitioned := false
	if fullRefund {
		res := tx.WithContext(ctx).Model(&models.Payment{}).
			Where("id = ? AND status = ?", payment.ID, models.PaymentStatusCompleted).
			Update("status", models.PaymentStatusRefunded)
		if res.Error != nil {
			tx.Rollback()
			return nil, res.Error
		}
		paymentStatus = models.PaymentStatusRefunded

		if order.Status == models.OrderStatusDelivered {
			transition, err := models.TransitionOrderStatusInTx(tx.WithContext(ctx), order, models.OrderStatusRefunded)
			if err != nil {
				tx.Rollback()
				return nil, err
			}
			transitioned = transition.Applied
		}
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	logger.WithField("orderNumber", order.OrderNumber).
		WithField("refundId", refund.RefundId).
		WithField("fullRefund", fullRefund).
		Info("refund recorded")

	return &RefundOutcome{
		RefundId:          refund.RefundId,
		PaymentStatus:     paymentStatus,
		OrderTransitioned: transitioned,
	}, nil
}

func reasonOf(input *RefundInput) string {
	if input == nil {
		return ""
	}
	return input.Reason
}
