package models

import (
	"log"

	"bitbucket.org/mmdatafocus/intake_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Business{}, &User{},
		&DocumentDraft{}, &DocumentAttachment{},
		&VendorProfile{}, &VendorItemMapping{},
		&FinancialTransaction{}, &InventoryTransaction{},
		&IdempotencyKey{}, &ParseOutboxRecord{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
