// Package database provides gorm connection factories for the orchestrator
// store: postgres in production, in-memory sqlite for tests.
package database

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/modelops/lifecycle/internal/models"
)

// NewPostgresDB opens a pooled PostgreSQL connection.
func NewPostgresDB(dsn string, maxOpen, maxIdle int, connMaxLife time.Duration) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql connection: %w", err)
	}

	if maxOpen == 0 {
		maxOpen = 25
	}
	if maxIdle == 0 {
		maxIdle = 5
	}
	if connMaxLife == 0 {
		connMaxLife = time.Hour
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(connMaxLife)
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)

	return db, nil
}

// NewSQLiteDB opens a sqlite database, ":memory:" for ephemeral use. Tests
// use this so the full store, including the compare-and-set paths, runs
// against a real SQL engine.
func NewSQLiteDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to sqlite %q: %w", path, err)
	}
	// sqlite serializes writers; a single connection avoids table-lock
	// errors under concurrent transactions.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// Migrate creates or updates the lifecycle schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.ModelFamily{},
		&models.ModelVersion{},
		&models.RetrainTrigger{},
		&models.TrainingJob{},
		&models.PerformanceObservation{},
		&models.ValidationResult{},
		&models.AuditEntry{},
	); err != nil {
		return fmt.Errorf("migrate lifecycle schema: %w", err)
	}
	return nil
}
