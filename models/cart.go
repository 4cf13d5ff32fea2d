package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/shop_backend/config"
	"bitbucket.org/mmdatafocus/shop_backend/utils"
	"github.com/shopspring/decimal"
)

type CartStatus string

const (
	CartStatusActive    CartStatus = "active"
	CartStatusConverted CartStatus = "converted"
	CartStatusAbandoned CartStatus = "abandoned"
)

type Cart struct {
	ID         int        `gorm:"primary_key" json:"id"`
	CustomerId int        `gorm:"index;not null" json:"customer_id" binding:"required"`
	Status     CartStatus `gorm:"type:enum('active','converted','abandoned');default:active" json:"status"`
	Items      []CartItem `gorm:"foreignKey:CartId" json:"items"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type CartItem struct {
	ID        int             `gorm:"primary_key" json:"id"`
	CartId    int             `gorm:"index;not null" json:"cart_id" binding:"required"`
	VariantId int             `gorm:"index;not null" json:"variant_id" binding:"required"`
	Qty       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty" binding:"required"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// GetActiveCart returns the customer's single active cart, or RecordNotFound.
func GetActiveCart(ctx context.Context, customerId int) (*Cart, error) {
	db := config.GetDB()
	var cart Cart
	err := db.WithContext(ctx).Preload("Items").
		Where("customer_id = ? AND status = ?", customerId, CartStatusActive).
		First(&cart).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &cart, nil
}
