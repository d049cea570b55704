package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/courier/backend/internal/devices"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/push"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeDevicePlatforms   = "2026-05-01_normalize_device_platforms"
	migrationBackfillNotificationSource = "2026-05-12_backfill_notification_source"
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

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeDevicePlatforms, apply: normalizeDevicePlatforms},
		{name: migrationBackfillNotificationSource, apply: backfillNotificationSource},
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
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeDevicePlatforms lower-cases platform names written by older clients.
func normalizeDevicePlatforms(db *gorm.DB) error {
	return db.Model(&devices.Device{}).
		Where("platform <> LOWER(platform)").
		Update("platform", gorm.Expr("LOWER(platform)")).Error
}

// backfillNotificationSource marks audit rows written before rescinds existed as message rows.
func backfillNotificationSource(db *gorm.DB) error {
	return db.Model(&push.Notification{}).
		Where("source = ?", "").
		Update("source", push.SourceMessage).Error
}
