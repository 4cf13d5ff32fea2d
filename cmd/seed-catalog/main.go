// seed-catalog seeds a development database with a minimal sellable catalog
// (country, tax rate, one product with two variants) plus disabled gateway
// rows for both providers, and prints an admin JWT for the ops endpoints.
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-catalog
package main

import (
	"context"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/shop_backend/config"
	"bitbucket.org/mmdatafocus/shop_backend/models"
	"bitbucket.org/mmdatafocus/shop_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func main() {
	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable()

	country := ensureCountry(ctx, db, "FR", "France")
	taxRate := ensureTaxRate(ctx, db, "TVA 20%", "20")
	product := ensureProduct(ctx, db, "Sample Fragrance", taxRate.ID)
	ensureVariant(ctx, db, product.ID, "SAMPLE-50", "50ml", "19.99", "100")
	ensureVariant(ctx, db, product.ID, "SAMPLE-100", "100ml", "34.99", "50")
	ensureGateway(ctx, db, "stripe")
	ensureGateway(ctx, db, "paypal")

	token, err := utils.JwtGenerate(1, "admin")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate admin token (set TOKEN_HOUR_LIFESPAN): %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("seeded catalog: country=%s tax=%s product=%d\n", country.Code, taxRate.Name, product.ID)
	fmt.Printf("admin bearer token:\n%s\n", token)
}

func ensureCountry(ctx context.Context, db *gorm.DB, code, name string) *models.Country {
	var c models.Country
	if err := db.WithContext(ctx).Where("code = ?", code).First(&c).Error; err == nil {
		return &c
	}
	c = models.Country{Code: code, Name: name}
	if err := db.WithContext(ctx).Create(&c).Error; err != nil {
		fmt.Fprintf(os.Stderr, "seed country: %v\n", err)
		os.Exit(1)
	}
	return &c
}

func ensureTaxRate(ctx context.Context, db *gorm.DB, name, percent string) *models.TaxRate {
	var t models.TaxRate
	if err := db.WithContext(ctx).Where("name = ?", name).First(&t).Error; err == nil {
		return &t
	}
	t = models.TaxRate{Name: name, Percent: decimal.RequireFromString(percent)}
	if err := db.WithContext(ctx).Create(&t).Error; err != nil {
		fmt.Fprintf(os.Stderr, "seed tax rate: %v\n", err)
		os.Exit(1)
	}
	return &t
}

func ensureProduct(ctx context.Context, db *gorm.DB, name string, taxRateId int) *models.Product {
	var p models.Product
	if err := db.WithContext(ctx).Where("name = ?", name).First(&p).Error; err == nil {
		return &p
	}
	active := true
	p = models.Product{Name: name, TaxRateId: taxRateId, IsActive: &active}
	if err := db.WithContext(ctx).Create(&p).Error; err != nil {
		fmt.Fprintf(os.Stderr, "seed product: %v\n", err)
		os.Exit(1)
	}
	return &p
}

func ensureVariant(ctx context.Context, db *gorm.DB, productId int, sku, label, price, qty string) {
	var v models.ProductVariant
	if err := db.WithContext(ctx).Where("sku = ?", sku).First(&v).Error; err == nil {
		return
	}
	v = models.ProductVariant{
		ProductId: productId,
		Sku:       sku,
		Label:     label,
		PriceHt:   decimal.RequireFromString(price),
		Quantity:  decimal.RequireFromString(qty),
	}
	if err := db.WithContext(ctx).Create(&v).Error; err != nil {
		fmt.Fprintf(os.Stderr, "seed variant: %v\n", err)
		os.Exit(1)
	}
}

func ensureGateway(ctx context.Context, db *gorm.DB, provider string) {
	var gw models.PaymentGatewayConfig
	if err := db.WithContext(ctx).Where("provider = ?", provider).First(&gw).Error; err == nil {
		return
	}
	// Disabled until real credentials are set through the admin endpoint.
	disabled := false
	sandbox := true
	gw = models.PaymentGatewayConfig{Provider: provider, Enabled: &disabled, Sandbox: &sandbox}
	if err := db.WithContext(ctx).Create(&gw).Error; err != nil {
		fmt.Fprintf(os.Stderr, "seed gateway %s: %v\n", provider, err)
		os.Exit(1)
	}
}
