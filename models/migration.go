package models

import (
	"log"

	"bitbucket.org/mmdatafocus/shop_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Country{}, &TaxRate{},
		&Product{}, &ProductVariant{},
		&Cart{}, &CartItem{},
		&Order{}, &OrderItem{}, &OrderEvent{},
		&Payment{}, &PaymentEvent{}, &PaymentGatewayConfig{},
		&StockMove{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
