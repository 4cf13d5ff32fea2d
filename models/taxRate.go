package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/shop_backend/utils"
	"github.com/shopspring/decimal"
)

type TaxRate struct {
	ID        int             `gorm:"primary_key" json:"id"`
	Name      string          `gorm:"size:100;not null" json:"name" binding:"required"`
	Percent   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"percent"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// Line tax math lives on OrderItem.CalculateLineTotals, which works from the
// percent snapshotted at checkout rather than re-reading the rate row.
func GetTaxRate(ctx context.Context, id int) (*TaxRate, error) {
	return utils.FetchModel[TaxRate](ctx, id)
}
