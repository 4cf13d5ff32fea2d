package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/shop_backend/config"
	"bitbucket.org/mmdatafocus/shop_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"
)

func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing,
		OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

// IsTerminal reports whether no further automatic transition is defined
// (the refund branch out of delivered is admin-driven, not automatic).
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled || s == OrderStatusRefunded
}

// OrderAddress is an immutable snapshot embedded on the order row. The country
// name is the canonical resolved name, not the customer's raw input.
type OrderAddress struct {
	Attention   string `gorm:"size:100" json:"attention"`
	Street      string `gorm:"size:255" json:"street"`
	City        string `gorm:"size:100" json:"city"`
	Zip         string `gorm:"size:20" json:"zip"`
	CountryCode string `gorm:"size:2" json:"country_code"`
	CountryName string `gorm:"size:100" json:"country_name"`
	Phone       string `gorm:"size:20" json:"phone"`
}

type Order struct {
	ID          int         `gorm:"primary_key" json:"id"`
	CustomerId  int         `gorm:"index;not null" json:"customer_id" binding:"required"`
	OrderNumber string      `gorm:"size:50;uniqueIndex;not null" json:"order_number"`
	OrderYear   int         `gorm:"index;not null" json:"order_year"`
	SequenceNo  int64       `gorm:"not null" json:"sequence_no"`
	Status      OrderStatus `gorm:"type:enum('pending','confirmed','processing','shipped','delivered','cancelled','refunded');default:pending;index" json:"status"`

	ShippingAddress OrderAddress `gorm:"embedded;embeddedPrefix:shipping_" json:"shipping_address"`
	BillingAddress  OrderAddress `gorm:"embedded;embeddedPrefix:billing_" json:"billing_address"`

	SubtotalHt decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"subtotal_ht"`
	ShippingHt decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"shipping_ht"`
	DiscountHt decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"discount_ht"`
	TotalHt    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_ht"`
	TotalTax   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_tax"`
	TotalTtc   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_ttc"`

	Notes string `gorm:"type:text" json:"notes"`

	// StockReserved is true while the checkout soft-hold is live; it is
	// cleared in the same transaction that converts or releases the hold.
	StockReserved *bool `gorm:"not null;default:false" json:"stock_reserved"`

	Items     []OrderItem `gorm:"foreignKey:OrderId" json:"items"`
	CreatedAt time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// OrderItem is a price/label snapshot taken at order time. It survives later
// product or variant changes (VariantId is nullable for exactly that reason)
// and is never mutated after creation.
type OrderItem struct {
	ID             int             `gorm:"primary_key" json:"id"`
	OrderId        int             `gorm:"index;not null" json:"order_id" binding:"required"`
	VariantId      *int            `gorm:"index" json:"variant_id"`
	Label          string          `gorm:"size:255;not null" json:"label"`
	Qty            decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty"`
	UnitPriceHt    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price_ht"`
	TaxRatePercent decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"tax_rate_percent"`
	TotalHt        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_ht"`
	TotalTax       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_tax"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// CalculateLineTotals fills the line totals from qty, unit price and rate.
// Tax-exclusive: tax = (lineHt / 100) * percent, rounded to 4 places mid-calc.
func (item *OrderItem) CalculateLineTotals() {
	item.TotalHt = item.Qty.Mul(item.UnitPriceHt)
	item.TotalTax = item.TotalHt.DivRound(decimal.NewFromFloat(100), 4).Mul(item.TaxRatePercent)
}

// FormatOrderNumber renders {PREFIX}-{YYYY}-{NNNNN}.
func FormatOrderNumber(prefix string, year int, seq int64) string {
	return fmt.Sprintf("%s-%d-%05d", prefix, year, seq)
}

// NextOrderSequence returns the next sequence number for the given year,
// counted from existing rows. Must run inside the order-creating transaction
// so two concurrent checkouts cannot mint the same number (the unique index on
// order_number backstops the race; the loser's insert fails and rolls back).
func NextOrderSequence(tx *gorm.DB, year int) (int64, error) {
	var maxSeq *int64
	if err := tx.Model(&Order{}).
		Select("max(sequence_no)").
		Where("order_year = ?", year).
		Scan(&maxSeq).Error; err != nil {
		return 0, err
	}
	if maxSeq == nil {
		return 1, nil
	}
	return *maxSeq + 1, nil
}

func GetOrder(ctx context.Context, id int) (*Order, error) {
	return utils.FetchModel[Order](ctx, id, "Items")
}

func GetOrderByNumber(ctx context.Context, orderNumber string) (*Order, error) {
	db := config.GetDB()
	var order Order
	err := db.WithContext(ctx).Preload("Items").
		Where("order_number = ?", orderNumber).
		First(&order).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &order, nil
}
