// Package db provides the persistent store for jobs, chunks, the credit
// ledger, and history records.
//
// Storage is the only shared mutable resource in the pipeline and is the
// ground truth for all cross-worker coordination: chunk status transitions,
// the completion barrier, and progress counters all go through row-level
// compare-and-set updates here. Nothing in this package keeps state in
// memory between calls.
package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"lirevox.dev/config"
)

// Open connects to Postgres, tunes the connection pool, and runs migrations.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(cfg.URL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := Migrate(gdb); err != nil {
		return nil, err
	}

	return gdb, nil
}

// Migrate creates or updates the schema for all entities.
func Migrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(&Job{}, &JobChunk{}, &CreditLedgerEntry{}, &History{}); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
