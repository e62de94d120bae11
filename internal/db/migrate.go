package db

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/pkgyard/internal/models"
)

// SchemaVersion is the schema this build writes. Raising it makes the next
// migration wipe transient tables.
const SchemaVersion = 2

// AllModels returns every GORM model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Session{},
		&models.InstallURI{},
		&models.InstallType{},
		&models.InstallConstraint{},
		&models.InstallPreapproval{},
		&models.NativeSessionID{},
		&models.UninstallPackage{},
		&models.SessionProgress{},
		&models.InstallFailure{},
		&models.UninstallFailure{},
		&models.ConfirmationLaunch{},
		&models.PluginParameter{},
		&models.SchemaVersion{},
	}
}

// transientModels are dropped on a schema upgrade.
func transientModels() []interface{} {
	return []interface{}{&models.SessionProgress{}, &models.ConfirmationLaunch{}}
}

// AutoMigrate creates or updates all tables and applies version upgrades.
func AutoMigrate(db *gorm.DB) error {
	return migrateTo(db, SchemaVersion)
}

func migrateTo(db *gorm.DB, version int) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return db.Transaction(func(tx *gorm.DB) error {
		var sv models.SchemaVersion
		err := tx.First(&sv, 1).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			sv = models.SchemaVersion{ID: 1, Version: version, AppliedAt: time.Now()}
			if err := tx.Create(&sv).Error; err != nil {
				return fmt.Errorf("db: record schema version: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("db: read schema version: %w", err)
		}
		if sv.Version >= version {
			return nil
		}
		if err := upgrade(tx); err != nil {
			return err
		}
		res := tx.Model(&sv).Updates(map[string]interface{}{"version": version, "applied_at": time.Now()})
		if res.Error != nil {
			return fmt.Errorf("db: bump schema version: %w", res.Error)
		}
		return nil
	})
}

// upgrade clears state that cannot survive a format change. Session rows,
// failures and preapproved outcomes are kept.
func upgrade(tx *gorm.DB) error {
	for _, m := range transientModels() {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(m).Error; err != nil {
			return fmt.Errorf("db: clear %T: %w", m, err)
		}
	}
	res := tx.Model(&models.InstallPreapproval{}).
		Where("is_preapproved = ?", false).
		Updates(map[string]interface{}{"is_activating": false, "is_active": false})
	if res.Error != nil {
		return fmt.Errorf("db: reset in-flight preapprovals: %w", res.Error)
	}
	return nil
}

// CurrentVersion returns the recorded schema version, or 0 if none.
func CurrentVersion(db *gorm.DB) (int, error) {
	var sv models.SchemaVersion
	err := db.First(&sv, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("db: read schema version: %w", err)
	}
	return sv.Version, nil
}
