package models

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/shop_backend/config"
	"bitbucket.org/mmdatafocus/shop_backend/utils"
	"gorm.io/gorm"
)

var ErrInvalidOrderStatus = errors.New("invalid order status")

type stockEffect int

const (
	stockEffectNone stockEffect = iota
	// stockEffectSale appends one negative sale move per item.
	stockEffectSale
	// stockEffectReturn appends one positive return move per item.
	stockEffectReturn
)

type transitionKey struct {
	From OrderStatus
	To   OrderStatus
}

// stockEffects is the authoritative transition/side-effect table. A requested
// transition not listed here performs the status write only. Adding a
// transition is a table edit, not a new code path.
var stockEffects = map[transitionKey]stockEffect{
	{OrderStatusPending, OrderStatusConfirmed}:    stockEffectSale,
	{OrderStatusConfirmed, OrderStatusCancelled}:  stockEffectReturn,
	{OrderStatusProcessing, OrderStatusCancelled}: stockEffectReturn,
	{OrderStatusShipped, OrderStatusCancelled}:    stockEffectReturn,
	{OrderStatusDelivered, OrderStatusRefunded}:   stockEffectReturn,
}

// StockEffectFor exposes the table for tests and callers that need to know
// whether a transition will touch the ledger.
func StockEffectFor(from, to OrderStatus) (applies bool, isSale bool) {
	effect, ok := stockEffects[transitionKey{From: from, To: to}]
	if !ok || effect == stockEffectNone {
		return false, false
	}
	return true, effect == stockEffectSale
}

type TransitionResult struct {
	// Applied is false when the conditional update hit zero rows: someone
	// else already moved the order. Benign, not an error.
	Applied        bool        `json:"success"`
	PreviousStatus OrderStatus `json:"previous_status"`
	NewStatus      OrderStatus `json:"new_status"`
}

// TransitionOrderStatus moves the order to the requested status and applies
// the ledger side effects the table mandates, all inside one transaction.
//
// The status write is conditional on the previously observed status
// ("UPDATE ... WHERE status = ?"); zero affected rows means a concurrent
// request won the race and this call applies nothing — the side effect fires
// exactly once per logical transition no matter how many requests race.
func TransitionOrderStatus(ctx context.Context, orderId int, to OrderStatus) (*TransitionResult, error) {
	logger := config.GetLogger()

	if !to.IsValid() {
		return nil, ErrInvalidOrderStatus
	}

	order, err := utils.FetchModel[Order](ctx, orderId, "Items")
	if err != nil {
		return nil, err
	}
	from := order.Status
	if from == to {
		return &TransitionResult{Applied: false, PreviousStatus: from, NewStatus: from}, nil
	}

	// Best-effort serialization across replicas; correctness comes from the
	// conditional update below, not from this lock.
	release, err := utils.StockLock(ctx, fmt.Sprintf("order:%d", orderId), "orderTransitions.go", "TransitionOrderStatus")
	if err != nil {
		return nil, err
	}
	defer release()

	db := config.GetDB()
	tx := db.Begin()

	result, err := TransitionOrderStatusInTx(tx.WithContext(ctx), order, to)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if !result.Applied {
		tx.Rollback()
		logger.WithField("orderId", orderId).WithField("from", from).WithField("to", to).
			Info("order status transition skipped (already handled)")
		return result, nil
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return result, nil
}

// TransitionOrderStatusInTx performs the conditional status write and its
// ledger side effects inside the caller's transaction. The caller owns
// commit/rollback; an Applied=false result carries no pending writes.
func TransitionOrderStatusInTx(tx *gorm.DB, order *Order, to OrderStatus) (*TransitionResult, error) {
	if !to.IsValid() {
		return nil, ErrInvalidOrderStatus
	}
	from := order.Status

	res := tx.Model(&Order{}).
		Where("id = ? AND status = ?", order.ID, from).
		Update("status", to)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Lost race: another request already transitioned the order.
		return &TransitionResult{Applied: false, PreviousStatus: from, NewStatus: from}, nil
	}

	if err := applyStockEffects(tx, order, from, to); err != nil {
		return nil, err
	}

	// Leaving pending for any reason ends the checkout soft-hold.
	if from == OrderStatusPending && order.StockReserved != nil && *order.StockReserved {
		for _, item := range order.Items {
			if item.VariantId == nil {
				continue
			}
			if err := AdjustVariantReservation(tx, *item.VariantId, item.Qty.Neg()); err != nil {
				return nil, err
			}
		}
		if err := tx.Model(&Order{}).
			Where("id = ?", order.ID).
			Update("stock_reserved", false).Error; err != nil {
			return nil, err
		}
	}

	if to == OrderStatusConfirmed || to == OrderStatusCancelled || to == OrderStatusRefunded {
		if err := AppendOrderEvent(tx, order, string(to)); err != nil {
			return nil, err
		}
	}

	return &TransitionResult{Applied: true, PreviousStatus: from, NewStatus: to}, nil
}

func applyStockEffects(tx *gorm.DB, order *Order, from, to OrderStatus) error {
	effect, ok := stockEffects[transitionKey{From: from, To: to}]
	if !ok || effect == stockEffectNone {
		return nil
	}

	for _, item := range order.Items {
		if item.VariantId == nil {
			// Variant deleted since the order was placed; the snapshot
			// stands but there is no counter left to adjust.
			continue
		}
		switch effect {
		case stockEffectSale:
			if _, err := RecordStockMove(tx, *item.VariantId, item.Qty.Neg(), StockMoveTypeSale, order.OrderNumber, ""); err != nil {
				return err
			}
		case stockEffectReturn:
			note := ""
			if to == OrderStatusRefunded {
				note = "order refunded"
			}
			if _, err := RecordStockMove(tx, *item.VariantId, item.Qty, StockMoveTypeReturn, order.OrderNumber, note); err != nil {
				return err
			}
		}
	}
	return nil
}
