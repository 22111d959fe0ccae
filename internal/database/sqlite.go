package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/pixelcanvas/backend/internal/canvas"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const busyTimeoutMillis = 5000

// OpenSQLite establishes a SQLite connection, migrates the canvas schema and seeds the global state.
func OpenSQLite(path string, policy canvas.Policy, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{TranslateError: true, Logger: newGormLogger(logger)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// One connection gives a single writer; the service serializes its own mutations on top.
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMillis)).Error; err != nil {
		return nil, err
	}
	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, err
	}

	models := append(canvas.Models(), &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, policy, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
