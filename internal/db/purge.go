package db

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/pkgyard/internal/models"
	"github.com/zulandar/pkgyard/internal/session"
)

// childModels are the per-session tables removed together with a session.
func childModels() []interface{} {
	return []interface{}{
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
	}
}

// PurgeTerminal deletes terminal sessions whose last activity is older than
// cutoff, along with all their rows. It returns the ids of the sessions
// removed.
func PurgeTerminal(db *gorm.DB, cutoff time.Time) ([]string, error) {
	var removed []string
	err := db.Transaction(func(tx *gorm.DB) error {
		var ids []string
		err := tx.Model(&models.Session{}).
			Where("state IN ? AND last_launch_at < ?", session.TerminalStateNames(), cutoff).
			Pluck("id", &ids).Error
		if err != nil {
			return fmt.Errorf("db: select purgeable sessions: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		for _, m := range childModels() {
			if err := tx.Where("session_id IN ?", ids).Delete(m).Error; err != nil {
				return fmt.Errorf("db: purge %T: %w", m, err)
			}
		}
		if err := tx.Where("id IN ?", ids).Delete(&models.Session{}).Error; err != nil {
			return fmt.Errorf("db: purge sessions: %w", err)
		}
		removed = ids
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}
