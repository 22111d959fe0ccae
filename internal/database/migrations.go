package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/pixelcanvas/backend/internal/canvas"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationSeedGlobalState     = "2026-03-01_seed_global_state"
	migrationNormalizePixelColor = "2026-03-08_normalize_pixel_colors"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, policy canvas.Policy, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationSeedGlobalState, apply: func(tx *gorm.DB) error {
			return canvas.SeedGlobalState(tx, policy, time.Now().UTC())
		}},
		{name: migrationNormalizePixelColor, apply: normalizePixelColors},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizePixelColors upper-cases colors written before hex input was normalized.
func normalizePixelColors(db *gorm.DB) error {
	if err := db.Model(&canvas.Pixel{}).
		Where("color <> UPPER(color)").
		Update("color", gorm.Expr("UPPER(color)")).Error; err != nil {
		return err
	}
	return db.Model(&canvas.Placement{}).
		Where("color <> UPPER(color)").
		Update("color", gorm.Expr("UPPER(color)")).Error
}
