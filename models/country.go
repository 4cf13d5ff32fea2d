package models

import (
	"context"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/shop_backend/config"
	"bitbucket.org/mmdatafocus/shop_backend/utils"
)

type Country struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Code      string    `gorm:"size:2;uniqueIndex;not null" json:"code" binding:"required"`
	Name      string    `gorm:"size:100;not null" json:"name" binding:"required"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ResolveCountry maps an ISO 3166-1 alpha-2 code onto the canonical country
// row. Address snapshots always store the resolved name, never the raw input.
func ResolveCountry(ctx context.Context, isoCode string) (*Country, error) {
	code := strings.ToUpper(strings.TrimSpace(isoCode))
	if code == "" {
		return nil, utils.ErrorRecordNotFound
	}

	db := config.GetDB()
	var country Country
	if err := db.WithContext(ctx).Where("code = ?", code).First(&country).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &country, nil
}

func GetCountryAll(ctx context.Context) ([]*Country, error) {
	return utils.FetchAllModels[Country](ctx)
}
