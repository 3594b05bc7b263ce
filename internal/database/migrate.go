package database

import (
	"fmt"

	"gorm.io/gorm"

	"fulfillment/internal/model"
	"fulfillment/pkg/log"
)

// AutoMigrate creates or updates the saga log tables.
func AutoMigrate(db *gorm.DB) error {
	models := []interface{}{
		&model.SagaLog{},
	}

	for _, m := range models {
		if err := db.AutoMigrate(m); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", m, err)
		}
		log.Infof("Migrated model: %T", m)
	}
	return nil
}

// CheckTables reports the tables AutoMigrate would create that are missing.
func CheckTables(db *gorm.DB) ([]string, error) {
	tables := []string{
		model.SagaLog{}.TableName(),
	}

	var missing []string
	for _, table := range tables {
		var count int64
		err := db.Raw("SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?", table).Scan(&count).Error
		if err != nil {
			return nil, fmt.Errorf("failed to check table %s: %w", table, err)
		}
		if count == 0 {
			log.Warnf("Table not found: %s", table)
			missing = append(missing, table)
		}
	}
	return missing, nil
}
