package database

import (
	"errors"
	"time"

	"github.com/CraftfolioLabs/craftfolio/backend/internal/sync"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillDeletedAt = "2026-05-12_backfill_metadata_deleted_at"

type migrationRecord struct {
	Name        string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtMs int64  `gorm:"column:applied_at_ms;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillDeletedAt, apply: backfillMetadataDeletedAt},
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
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().UnixMilli()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtMs: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillMetadataDeletedAt fills deleted_at_ms for soft-deleted metadata rows
// written before the column existed, using the last modification instant.
func backfillMetadataDeletedAt(db *gorm.DB) error {
	return db.Model(&sync.MetadataRecord{}).
		Where("is_deleted = ? AND deleted_at_ms IS NULL", true).
		Update("deleted_at_ms", gorm.Expr("last_modified_at_ms")).Error
}
