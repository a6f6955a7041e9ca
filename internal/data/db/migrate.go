package db

import (
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/leadsync-backend/internal/domain/leads"
)

func AutoMigrateAll(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&leads.Lead{},
		&leads.HistoryEntry{},
		&leads.Counter{},
		&leads.SyncFailure{},
	); err != nil {
		return err
	}
	return EnsureCounters(db)
}

// EnsureCounters seeds the business id counter row so the increment
// transaction always has a row to lock.
func EnsureCounters(db *gorm.DB) error {
	row := leads.Counter{Name: leads.BusinessIDCounter, Value: 0}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("seed %s counter: %w", leads.BusinessIDCounter, err)
	}
	return nil
}
