package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/courier/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/devices"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/push"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/sessions"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/updates"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	defaultMaxOpenConns = 20
	defaultMaxIdleConns = 5
)

// Models lists every table the server owns.
func Models() []any {
	models := append([]any{}, chat.Models()...)
	models = append(models,
		&updates.Record{},
		&devices.Device{},
		&sessions.Session{},
	)
	models = append(models, push.Models()...)
	return append(models, &migrationRecord{})
}

// Open connects to the configured database and performs schema migrations.
func Open(driver string, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if dialector.Name() == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(defaultMaxOpenConns)
		sqlDB.SetMaxIdleConns(defaultMaxIdleConns)
	}

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", dialector.Name()))
	}

	return db, nil
}
