package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/shop_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type StockMoveType string

const (
	StockMoveTypeSale        StockMoveType = "sale"
	StockMoveTypeReturn      StockMoveType = "return"
	StockMoveTypeRestock     StockMoveType = "restock"
	StockMoveTypeAdjustment  StockMoveType = "adjustment"
	StockMoveTypeReservation StockMoveType = "reservation"
)

// StockMove is one signed entry in the append-only quantity ledger. Every
// change to a variant's on-hand quantity is explained by exactly one row here;
// rows are never mutated or deleted.
type StockMove struct {
	ID        int             `gorm:"primary_key" json:"id"`
	VariantId *int            `gorm:"index" json:"variant_id"`
	MoveType  StockMoveType   `gorm:"type:enum('sale','return','restock','adjustment','reservation');not null" json:"move_type"`
	Qty       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty"`
	Reference string          `gorm:"size:100;index" json:"reference"`
	Note      string          `gorm:"size:255" json:"note"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// RecordStockMove appends a ledger row and applies the same delta to the
// variant's quantity column, both inside the caller's transaction. The counter
// update is a relative SQL adjustment, not read-then-write, so concurrent
// writers cannot lose updates. Invalid deltas are a caller bug, not a runtime
// condition.
func RecordStockMove(tx *gorm.DB, variantId int, qty decimal.Decimal, moveType StockMoveType, reference string, note string) (int, error) {
	if tx == nil {
		return 0, fmt.Errorf("tx is nil")
	}

	move := StockMove{
		VariantId: &variantId,
		MoveType:  moveType,
		Qty:       qty,
		Reference: reference,
		Note:      note,
	}
	if err := tx.Create(&move).Error; err != nil {
		return 0, err
	}

	if err := tx.Model(&ProductVariant{}).
		Where("id = ?", variantId).
		Update("quantity", gorm.Expr("quantity + ?", qty)).Error; err != nil {
		return 0, err
	}

	return move.ID, nil
}

// AdjustVariantReservation moves the reserved counter by qty (positive to
// hold, negative to release) with the same atomic-relative idiom. The reserved
// counter is a soft hold: it never touches the quantity column or the ledger.
func AdjustVariantReservation(tx *gorm.DB, variantId int, qty decimal.Decimal) error {
	if tx == nil {
		return fmt.Errorf("tx is nil")
	}
	return tx.Model(&ProductVariant{}).
		Where("id = ?", variantId).
		Update("reserved", gorm.Expr("reserved + ?", qty)).Error
}

// GetStockMovesByReference lists the ledger rows attributed to one reference
// (typically an order number).
func GetStockMovesByReference(ctx context.Context, reference string) ([]*StockMove, error) {
	db := config.GetDB()
	var moves []*StockMove
	err := db.WithContext(ctx).
		Where("reference = ?", reference).
		Order("id").
		Find(&moves).Error
	if err != nil {
		return nil, err
	}
	return moves, nil
}
