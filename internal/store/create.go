package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/pkgyard/internal/install"
	"github.com/zulandar/pkgyard/internal/models"
	"github.com/zulandar/pkgyard/internal/session"
	"github.com/zulandar/pkgyard/internal/uninstall"
)

func sessionRow(id session.ID, op session.Operation, c session.Confirmation, n session.NotificationData, name string, userAction bool) (models.Session, error) {
	title, err := json.Marshal(n.Title)
	if err != nil {
		return models.Session{}, fmt.Errorf("encode notification title: %w", err)
	}
	text, err := json.Marshal(n.Text)
	if err != nil {
		return models.Session{}, fmt.Errorf("encode notification text: %w", err)
	}
	now := time.Now()
	return models.Session{
		ID:                id.String(),
		Kind:              string(op),
		State:             session.Pending.String(),
		Confirmation:      string(c),
		NotificationTitle: string(title),
		NotificationText:  string(text),
		NotificationIcon:  n.Icon,
		Name:              name,
		RequireUserAction: userAction,
		LastLaunchAt:      now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// insertSession inserts row unless it exists. It reports whether the row is
// new, so a repeated create leaves the attribute tables alone.
func insertSession(tx *gorm.DB, row *models.Session) (bool, error) {
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CreateInstall writes the initial rows of an install session in one
// transaction. Creating an existing session is a no-op.
func (s *Store) CreateInstall(ctx context.Context, id session.ID, p install.Parameters) error {
	p = p.WithDefaults()
	row, err := sessionRow(id, session.Install, p.Confirmation, p.Notification, p.Name, p.RequireUserAction)
	if err != nil {
		return fmt.Errorf("store: create install %s: %w", id, err)
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh, err := insertSession(tx, &row)
		if err != nil || !fresh {
			return err
		}
		if len(p.URIs) > 0 {
			uris := make([]models.InstallURI, len(p.URIs))
			for i, u := range p.URIs {
				uris[i] = models.InstallURI{SessionID: row.ID, Position: i, URI: u}
			}
			if err := tx.Create(&uris).Error; err != nil {
				return err
			}
		}
		if err := tx.Create(&models.InstallType{SessionID: row.ID, Type: string(p.Type)}).Error; err != nil {
			return err
		}
		if c := p.Constraints; c != nil {
			if err := tx.Create(constraintRow(row.ID, c)).Error; err != nil {
				return err
			}
		}
		if pa := p.Preapproval; pa != nil {
			if err := tx.Create(&models.InstallPreapproval{
				SessionID:          row.ID,
				PackageName:        pa.PackageName,
				Label:              pa.Label,
				Locale:             pa.Locale,
				Icon:               pa.Icon,
				FallbackToOnDemand: pa.FallbackToOnDemand,
			}).Error; err != nil {
				return err
			}
		}
		if rows := pluginRows(id, p.Plugins); len(rows) > 0 {
			if err := tx.Create(&rows).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: create install %s: %w", id, err)
	}
	return nil
}

func constraintRow(id string, c *install.Constraints) *models.InstallConstraint {
	return &models.InstallConstraint{
		SessionID:         id,
		AppNotForeground:  c.AppNotForeground,
		AppNotInteracting: c.AppNotInteracting,
		AppNotTopVisible:  c.AppNotTopVisible,
		DeviceIdle:        c.DeviceIdle,
		NotInCall:         c.NotInCall,
		TimeoutMillis:     c.Timeout.Milliseconds(),
		TimeoutStrategy:   c.TimeoutStrategy.String(),
		Retries:           c.TimeoutStrategy.Retries,
	}
}

// CreateUninstall writes the initial rows of an uninstall session.
func (s *Store) CreateUninstall(ctx context.Context, id session.ID, p uninstall.Parameters) error {
	p = p.WithDefaults()
	row, err := sessionRow(id, session.Uninstall, p.Confirmation, p.Notification, p.Name, true)
	if err != nil {
		return fmt.Errorf("store: create uninstall %s: %w", id, err)
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh, err := insertSession(tx, &row)
		if err != nil || !fresh {
			return err
		}
		if err := tx.Create(&models.UninstallPackage{SessionID: row.ID, PackageName: p.PackageName}).Error; err != nil {
			return err
		}
		if rows := pluginRows(id, p.Plugins); len(rows) > 0 {
			if err := tx.Create(&rows).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: create uninstall %s: %w", id, err)
	}
	return nil
}
