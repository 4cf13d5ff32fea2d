package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/shop_backend/config"
	"bitbucket.org/mmdatafocus/shop_backend/utils"
)

// PaymentGatewayConfig holds each provider's credentials. Adapters read these
// lazily through the payments credential cache; updating a row must invalidate
// that cache so key rotation takes effect without a restart.
type PaymentGatewayConfig struct {
	ID            int       `gorm:"primary_key" json:"id"`
	Provider      string    `gorm:"size:50;uniqueIndex;not null" json:"provider" binding:"required"`
	Enabled       *bool     `gorm:"not null;default:false" json:"enabled"`
	ApiKey        string    `gorm:"size:255" json:"api_key"`
	ApiSecret     string    `gorm:"size:255" json:"api_secret"`
	WebhookSecret string    `gorm:"size:255" json:"webhook_secret"`
	Sandbox       *bool     `gorm:"not null;default:true" json:"sandbox"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewPaymentGatewayConfig struct {
	Provider      string `json:"provider" binding:"required"`
	Enabled       *bool  `json:"enabled" binding:"required"`
	ApiKey        string `json:"api_key"`
	ApiSecret     string `json:"api_secret"`
	WebhookSecret string `json:"webhook_secret"`
	Sandbox       *bool  `json:"sandbox"`
}

func GetPaymentGatewayConfig(ctx context.Context, provider string) (*PaymentGatewayConfig, error) {
	db := config.GetDB()
	var gw PaymentGatewayConfig
	err := db.WithContext(ctx).Where("provider = ?", provider).First(&gw).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &gw, nil
}

// UpsertPaymentGatewayConfig creates or updates the provider's row. The caller
// owns invalidating the payments credential cache afterwards.
func UpsertPaymentGatewayConfig(ctx context.Context, input *NewPaymentGatewayConfig) (*PaymentGatewayConfig, error) {
	if input.Provider == "" {
		return nil, errors.New("provider is required")
	}

	db := config.GetDB()
	existing, err := GetPaymentGatewayConfig(ctx, input.Provider)
	if err != nil {
		gw := PaymentGatewayConfig{
			Provider:      input.Provider,
			Enabled:       input.Enabled,
			ApiKey:        input.ApiKey,
			ApiSecret:     input.ApiSecret,
			WebhookSecret: input.WebhookSecret,
			Sandbox:       input.Sandbox,
		}
		if err := db.WithContext(ctx).Create(&gw).Error; err != nil {
			return nil, err
		}
		return &gw, nil
	}

	if err := db.WithContext(ctx).Model(existing).
		Updates(map[string]interface{}{
			"Enabled":       input.Enabled,
			"ApiKey":        input.ApiKey,
			"ApiSecret":     input.ApiSecret,
			"WebhookSecret": input.WebhookSecret,
			"Sandbox":       input.Sandbox,
		}).Error; err != nil {
		return nil, err
	}
	return existing, nil
}
