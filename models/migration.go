package models

import (
	"log"

	"bitbucket.org/mmdatafocus/dairy_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Company{}, &Station{}, &Farmer{}, &Officer{},
		&Delivery{},
		&MonthlySummary{},
		&PaymentJob{},
		&SmsLog{},
		&AuditLog{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
