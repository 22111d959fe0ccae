package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/pixelcanvas/backend/internal/canvas"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func TestOpenSQLiteRoutesStatementLogsThroughZap(testContext *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	databasePath := filepath.Join(testContext.TempDir(), "logging.db")

	database, err := OpenSQLite(databasePath, canvas.DefaultPolicy(), zap.New(core))
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql handle: %v", err)
	}
	defer sqlDB.Close()

	var user canvas.User
	if err := database.Take(&user, 404).Error; err == nil {
		testContext.Fatalf("expected missing user lookup to fail")
	}
	if entries := gormEntries(logs).FilterMessage("statement failed").All(); len(entries) != 0 {
		testContext.Fatalf("expected missing rows to stay silent, got %d entries", len(entries))
	}

	if err := database.Exec("SELECT * FROM no_such_table").Error; err == nil {
		testContext.Fatalf("expected query against unknown table to fail")
	}
	failures := gormEntries(logs).FilterMessage("statement failed").All()
	if len(failures) != 1 {
		testContext.Fatalf("expected one statement failure entry, got %d", len(failures))
	}
	if failures[0].Level != zapcore.DebugLevel {
		testContext.Fatalf("expected debug level, got %s", failures[0].Level)
	}
	if sql, _ := failures[0].ContextMap()["sql"].(string); sql != "SELECT * FROM no_such_table" {
		testContext.Fatalf("unexpected sql field %q", sql)
	}
}

func TestNewGormLoggerWithoutZapDiscards(testContext *testing.T) {
	if newGormLogger(nil) != gormlogger.Discard {
		testContext.Fatalf("expected discard logger when no zap logger is configured")
	}
	silent := newGormLogger(zap.NewNop()).LogMode(gormlogger.Silent)
	if typed, ok := silent.(*zapGormLogger); !ok || typed.level != gormlogger.Silent {
		testContext.Fatalf("expected silent zap gorm logger, got %#v", silent)
	}
}

func gormEntries(logs *observer.ObservedLogs) *observer.ObservedLogs {
	return logs.Filter(func(entry observer.LoggedEntry) bool {
		return entry.LoggerName == "gorm"
	})
}
