package workflow

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/shop_backend/config"
	"bitbucket.org/mmdatafocus/shop_backend/models"
	"bitbucket.org/mmdatafocus/shop_backend/utils"
	"github.com/shopspring/decimal"
)

var ErrInvalidAdjustment = errors.New("invalid stock adjustment")

type StockAdjustmentInput struct {
	VariantId int             `json:"variant_id" binding:"required"`
	Qty       decimal.Decimal `json:"qty" binding:"required"`
	MoveType  string          `json:"move_type" binding:"required"`
	Reference string          `json:"reference"`
	Note      string          `json:"note"`
}

type StockAdjustmentResult struct {
	StockMoveId int             `json:"stock_move_id"`
	NewQuantity decimal.Decimal `json:"new_quantity"`
}

// AdjustStock records a manual restock or correction through the same ledger
// path the state machine uses, so warehouse counts and order side effects
// share one audit trail. Only the manual move types are accepted here; sale
// and return rows belong to the state machine.
func AdjustStock(ctx context.Context, input *StockAdjustmentInput) (*StockAdjustmentResult, error) {
	logger := config.GetLogger()

	moveType := models.StockMoveType(input.MoveType)
	switch moveType {
	case models.StockMoveTypeRestock, models.StockMoveTypeAdjustment:
	default:
		return nil, fmt.Errorf("%w: move type %q", ErrInvalidAdjustment, input.MoveType)
	}
	if input.Qty.IsZero() {
		return nil, fmt.Errorf("%w: qty must be non-zero", ErrInvalidAdjustment)
	}
	if moveType == models.StockMoveTypeRestock && input.Qty.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: restock qty must be positive", ErrInvalidAdjustment)
	}

	variant, err := models.GetProductVariant(ctx, input.VariantId)
	if err != nil {
		return nil, err
	}

	release, err := utils.StockLock(ctx, fmt.Sprintf("variant:%d", variant.ID), "stockAdjustmentWorkflow.go", "AdjustStock")
	if err != nil {
		return nil, err
	}
	defer release()

	db := config.GetDB()
	tx := db.Begin()

	moveId, err := models.RecordStockMove(tx.WithContext(ctx), variant.ID, input.Qty, moveType, input.Reference, input.Note)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	updated, err := models.GetProductVariant(ctx, variant.ID)
	if err != nil {
		return nil, err
	}

	logger.WithField("variantId", variant.ID).
		WithField("moveType", string(moveType)).
		WithField("qty", input.Qty.String()).
		Info("manual stock adjustment recorded")

	return &StockAdjustmentResult{StockMoveId: moveId, NewQuantity: updated.Quantity}, nil
}
