package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/shop_backend/config"
	"bitbucket.org/mmdatafocus/shop_backend/utils"
	"github.com/shopspring/decimal"
)

type Product struct {
	ID          int              `gorm:"primary_key" json:"id"`
	Name        string           `gorm:"size:255;not null" json:"name" binding:"required"`
	Description string           `gorm:"type:text" json:"description"`
	TaxRateId   int              `gorm:"index;not null" json:"tax_rate_id" binding:"required"`
	IsActive    *bool            `gorm:"not null;default:true" json:"is_active"`
	Variants    []ProductVariant `gorm:"foreignKey:ProductId" json:"variants"`
	CreatedAt   time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// ProductVariant is the sellable unit. Quantity is the on-hand counter kept in
// lockstep with the stock move ledger (same transaction, always). Reserved is
// the soft-hold counter; what checkout may promise is Quantity - Reserved.
type ProductVariant struct {
	ID        int             `gorm:"primary_key" json:"id"`
	ProductId int             `gorm:"index;not null" json:"product_id" binding:"required"`
	Sku       string          `gorm:"size:100;uniqueIndex;not null" json:"sku" binding:"required"`
	Label     string          `gorm:"size:255;not null" json:"label"`
	PriceHt   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"price_ht"`
	Quantity  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`
	Reserved  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"reserved"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (v ProductVariant) AvailableQty() decimal.Decimal {
	return v.Quantity.Sub(v.Reserved)
}

func GetProductVariant(ctx context.Context, id int) (*ProductVariant, error) {
	return utils.FetchModel[ProductVariant](ctx, id)
}

// GetVariantWithProduct loads the variant plus its product (for the tax rate).
func GetVariantWithProduct(ctx context.Context, variantId int) (*ProductVariant, *Product, error) {
	db := config.GetDB()
	var variant ProductVariant
	if err := db.WithContext(ctx).First(&variant, variantId).Error; err != nil {
		return nil, nil, utils.ErrorRecordNotFound
	}
	var product Product
	if err := db.WithContext(ctx).First(&product, variant.ProductId).Error; err != nil {
		return nil, nil, utils.ErrorRecordNotFound
	}
	return &variant, &product, nil
}
