package db

import (
	"fmt"

	"github.com/bainianlaoyao/switchboard/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Conversation{},
		&models.Turn{},
		&models.Message{},
		&models.PendingQuestion{},
		&models.InboxItem{},
		&models.InboxThread{},
		&models.RawLog{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
