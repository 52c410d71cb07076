package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/access"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/documents"
)

const (
	migrationNormalizeGrantPermissions = "2026-09-14_normalize_grant_permissions"
	migrationDropOwnerGrants           = "2026-09-21_drop_owner_grants"
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
		{name: migrationNormalizeGrantPermissions, apply: normalizeGrantPermissions},
		{name: migrationDropOwnerGrants, apply: dropOwnerGrants},
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
		err = db.Transaction(func(transaction *gorm.DB) error {
			if err := migration.apply(transaction); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return transaction.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
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

// normalizeGrantPermissions upper-cases permissions written by clients that
// sent lower-case names, and drops rows whose permission is unknown.
func normalizeGrantPermissions(db *gorm.DB) error {
	if err := db.Model(&access.Grant{}).
		Where("permission <> UPPER(permission)").
		Update("permission", gorm.Expr("UPPER(permission)")).Error; err != nil {
		return err
	}
	return db.Where("permission NOT IN ?", []string{
		string(access.PermissionEditor),
		string(access.PermissionViewer),
	}).Delete(&access.Grant{}).Error
}

// dropOwnerGrants removes grant rows naming the document owner; ownership is
// implied by the document record.
func dropOwnerGrants(db *gorm.DB) error {
	owners := db.Model(&documents.Document{}).
		Select("owner_id").
		Where("documents.document_id = document_grants.document_id")
	return db.Where("user_id = (?)", owners).Delete(&access.Grant{}).Error
}
