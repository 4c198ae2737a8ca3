package storage

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"dataset-catalog/config"
	"dataset-catalog/models"
)

var (
	// ErrRecordNotFound meldet einen fehlenden Datensatz.
	ErrRecordNotFound = errors.New("record not found")
	// ErrDuplicateKey meldet eine Verletzung eines eindeutigen Index.
	ErrDuplicateKey = errors.New("duplicate key")
)

// OpenDatabase verbindet sich mit PostgreSQL und migriert das Schema.
func OpenDatabase(cfg *config.Config, logging *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	logging.Info("Successfully connected to catalog database.")

	logging.Info("Running database auto-migration...")
	if err := db.AutoMigrate(&models.Dataset{}, &models.Comment{}, &models.CollectionTool{}); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return db, nil
}

// translate bildet gorm-Fehler auf die Fehler dieses Pakets ab.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %v", ErrRecordNotFound, err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", ErrDuplicateKey, err)
	}
	return err
}
