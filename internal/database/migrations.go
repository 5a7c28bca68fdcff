package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/vaxguard/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillAuthProvider = "2026-09-14_backfill_auth_provider"
	migrationDropOrphanRoles      = "2026-09-21_drop_orphan_user_roles"
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
		{name: migrationBackfillAuthProvider, apply: backfillAuthProvider},
		{name: migrationDropOrphanRoles, apply: dropOrphanRoles},
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

// Accounts created before provider tracking were all local sign-ups.
func backfillAuthProvider(db *gorm.DB) error {
	return db.Model(&users.User{}).
		Where("auth_provider IS NULL OR auth_provider = ''").
		Update("auth_provider", string(users.AuthProviderLocal)).Error
}

func dropOrphanRoles(db *gorm.DB) error {
	return db.Where("user_id NOT IN (?)", db.Model(&users.User{}).Select("id")).
		Delete(&users.UserRole{}).Error
}
