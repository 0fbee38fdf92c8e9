package models

import "gorm.io/gorm"

// MigrateAll runs AutoMigrate for every table owned by this service.
func MigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&SyncRun{},
		&SyncJob{},
		&SyncLog{},
		&Listing{},
		&Reservation{},
		&Guest{},
		&Conversation{},
		&Message{},
		&Review{},
	)
}
