package store

import (
	"context"
	"fmt"

	"github.com/zulandar/pkgyard/internal/models"
	"github.com/zulandar/pkgyard/internal/session"
)

// The guarded writes below report RowsAffected so the preapproval lifecycle
// can tell whether its guard held. Every guard requires at least one flag
// to change, which keeps the count meaningful on MySQL as well.

// SetActivating claims an idle preapproval row.
func (s *Store) SetActivating(ctx context.Context, id session.ID) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.InstallPreapproval{}).
		Where("session_id = ? AND is_preapproved = ? AND is_activating = ? AND is_active = ?",
			id.String(), false, false, false).
		Update("is_activating", true)
	if res.Error != nil {
		return 0, fmt.Errorf("store: set activating %s: %w", id, res.Error)
	}
	return res.RowsAffected, nil
}

// SetActive promotes an activating row to active.
func (s *Store) SetActive(ctx context.Context, id session.ID) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.InstallPreapproval{}).
		Where("session_id = ? AND is_activating = ? AND is_preapproved = ?", id.String(), true, false).
		Updates(map[string]interface{}{"is_activating": false, "is_active": true})
	if res.Error != nil {
		return 0, fmt.Errorf("store: set active %s: %w", id, res.Error)
	}
	return res.RowsAffected, nil
}

// ConsumeActive clears an activating or active row and records the outcome.
func (s *Store) ConsumeActive(ctx context.Context, id session.ID, preapproved bool) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.InstallPreapproval{}).
		Where("session_id = ? AND (is_active = ? OR is_activating = ?)", id.String(), true, true).
		Updates(map[string]interface{}{
			"is_activating":  false,
			"is_active":      false,
			"is_preapproved": preapproved,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("store: consume active %s: %w", id, res.Error)
	}
	return res.RowsAffected, nil
}

// ResetPreapproval clears every flag of id.
func (s *Store) ResetPreapproval(ctx context.Context, id session.ID) error {
	err := s.db.WithContext(ctx).Model(&models.InstallPreapproval{}).
		Where("session_id = ?", id.String()).
		Updates(map[string]interface{}{
			"is_activating":  false,
			"is_active":      false,
			"is_preapproved": false,
		}).Error
	if err != nil {
		return fmt.Errorf("store: reset preapproval %s: %w", id, err)
	}
	return nil
}
