package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/shop_backend/config"
	"bitbucket.org/mmdatafocus/shop_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// Payment is one-to-one with Order. It is created pending by checkout and
// only ever mutated by the webhook reconciler or the admin refund flow.
type Payment struct {
	ID                    int             `gorm:"primary_key" json:"id"`
	OrderId               int             `gorm:"uniqueIndex;not null" json:"order_id" binding:"required"`
	Provider              string          `gorm:"size:50;not null" json:"provider"`
	Status                PaymentStatus   `gorm:"type:enum('pending','completed','failed','refunded');default:pending" json:"status"`
	Amount                decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	Currency              string          `gorm:"size:3;not null;default:EUR" json:"currency"`
	ProviderTransactionId *string         `gorm:"size:255;index" json:"provider_transaction_id"`
	ProviderSessionId     string          `gorm:"size:255" json:"provider_session_id"`
	Events                []PaymentEvent  `gorm:"foreignKey:PaymentId" json:"events"`
	CreatedAt             time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// PaymentEvent records every raw inbound reconciliation attempt, including
// duplicates, for audit and idempotency forensics. Append-only.
type PaymentEvent struct {
	ID         int       `gorm:"primary_key" json:"id"`
	PaymentId  int       `gorm:"index;not null" json:"payment_id" binding:"required"`
	EventType  string    `gorm:"size:100;not null" json:"event_type"`
	RawPayload []byte    `gorm:"type:mediumblob" json:"raw_payload"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func GetPayment(ctx context.Context, id int) (*Payment, error) {
	return utils.FetchModel[Payment](ctx, id)
}

func GetPaymentByOrderId(ctx context.Context, orderId int) (*Payment, error) {
	db := config.GetDB()
	var payment Payment
	err := db.WithContext(ctx).Where("order_id = ?", orderId).First(&payment).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &payment, nil
}

// AppendPaymentEvent writes one audit row inside the caller's transaction.
func AppendPaymentEvent(tx *gorm.DB, paymentId int, eventType string, rawPayload []byte) error {
	event := PaymentEvent{
		PaymentId:  paymentId,
		EventType:  eventType,
		RawPayload: rawPayload,
	}
	return tx.Create(&event).Error
}

func CountPaymentEvents(ctx context.Context, paymentId int) (int64, error) {
	return utils.ResourceCountWhere[PaymentEvent](ctx, "payment_id = ?", paymentId)
}
