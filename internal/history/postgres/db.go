package postgres

import (
	"errors"
	"fmt"

	ps "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pacebot/internal/history"
)

var (
	ErrMigration          = errors.New("history: database migration failed")
	ErrDbInitiationFailed = errors.New("history: couldn't connect to database")
)

// InitDB opens dsn and migrates the history table.
func InitDB(dsn string, config *gorm.Config) (*gorm.DB, error) {
	if config == nil {
		config = &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	}
	db, err := gorm.Open(ps.Open(dsn), config)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDbInitiationFailed, err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&history.Record{}); err != nil {
		return fmt.Errorf("%w: %v", ErrMigration, err)
	}
	return nil
}
