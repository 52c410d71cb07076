package database

import (
	"fmt"
	"strings"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/access"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/users"
)

// Config selects the database driver.
type Config struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string
	// Path is the sqlite file; ":memory:" works for throwaway servers.
	Path string
	// DSN is the postgres connection string.
	DSN string
}

// Open connects to the configured database and performs schema migrations.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	var dialector gorm.Dialector
	switch driver {
	case "", "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("database path is required")
		}
		driver = "sqlite"
		dialector = sqlite.Open(cfg.Path)
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("database dsn is required")
		}
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", driver))
	return db, nil
}

// Migrate creates the relay tables and applies pending named migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(
		&documents.Document{},
		&access.Grant{},
		&access.AuditEntry{},
		&users.Profile{},
		&migrationRecord{},
	); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
