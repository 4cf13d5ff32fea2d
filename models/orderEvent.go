package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

const (
	OrderEventPublishStatusPending    = "PENDING"
	OrderEventPublishStatusProcessing = "PROCESSING"
	OrderEventPublishStatusFailed     = "FAILED"
	OrderEventPublishStatusPublished  = "PUBLISHED"
	OrderEventPublishStatusDead       = "DEAD"
)

// OrderEvent is the outbox row for downstream consumers (invoicing,
// shipping). Written in the same transaction as the status change it
// describes, published asynchronously by the outbox dispatcher.
type OrderEvent struct {
	ID               int        `gorm:"primary_key" json:"id"`
	OrderId          int        `gorm:"index;not null" json:"order_id"`
	OrderNumber      string     `gorm:"size:50;not null" json:"order_number"`
	EventType        string     `gorm:"size:50;not null" json:"event_type"`
	Payload          []byte     `gorm:"type:mediumblob" json:"payload"`
	PublishStatus    string     `gorm:"size:20;index;default:PENDING" json:"publish_status"`
	PublishAttempts  int        `gorm:"default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index" json:"next_attempt_at"`
	LockedAt         *time.Time `json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	PublishedAt      *time.Time `json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:100" json:"pub_sub_message_id"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// AppendOrderEvent writes one outbox row inside the caller's transaction. The
// payload is a snapshot of the order at transition time so consumers never
// need to read back a row that may have moved on.
func AppendOrderEvent(tx *gorm.DB, order *Order, eventType string) error {
	payload, err := json.Marshal(order)
	if err != nil {
		return err
	}
	event := OrderEvent{
		OrderId:       order.ID,
		OrderNumber:   order.OrderNumber,
		EventType:     eventType,
		Payload:       payload,
		PublishStatus: OrderEventPublishStatusPending,
	}
	return tx.Create(&event).Error
}
