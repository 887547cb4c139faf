package models

import (
	"log"

	"github.com/sustainafood/sustainafood_backend/config"
	"gorm.io/gorm"
)

// Migrate creates or updates every table the ledger needs on db.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Counter{},
		&Donation{}, &DonationProduct{}, &DonationMeal{},
		&RequestNeed{}, &RequestedProduct{},
		&DonationTransaction{}, &AllocatedProduct{}, &AllocatedMeal{},
		&Transporter{}, &Delivery{},
		&NotificationRecord{},
	)
}

func MigrateTable() {
	if err := Migrate(config.GetDB()); err != nil {
		log.Fatal(err)
	}
}
