package db

import (
	"fmt"

	"github.com/zulandar/ery/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model managed by Ery.
func AllModels() []interface{} {
	return []interface{}{
		&models.TaskThread{},
		&models.AgentLog{},
		&models.InfoDocument{},
		&models.ModerationLog{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
