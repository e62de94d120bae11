// Package store is the durable side of pkgyard: every session row, attribute
// table and guarded preapproval write goes through it.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/pkgyard/internal/models"
	"github.com/zulandar/pkgyard/internal/preapproval"
	"github.com/zulandar/pkgyard/internal/session"
)

// Store wraps a migrated gorm handle. It is safe for concurrent use; callers
// order writes for one session through the writer executor.
type Store struct {
	db  *gorm.DB
	sem *semaphore.Weighted
}

// New returns a store over db. The schema must already be migrated.
func New(db *gorm.DB) *Store {
	return &Store{db: db, sem: preapproval.NewWriteSemaphore()}
}

// DB returns the underlying handle.
func (s *Store) DB() *gorm.DB { return s.db }

// WriteSemaphore is the binary semaphore preapproval writes share.
func (s *Store) WriteSemaphore() *semaphore.Weighted { return s.sem }

// UpdateState records st for id. A Failed state also writes its failure
// row in the same transaction. Active and terminal states stamp the last
// activity time used by purging.
func (s *Store) UpdateState(ctx context.Context, id session.ID, op session.Operation, st session.State) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		updates := map[string]interface{}{
			"state":      st.Kind.String(),
			"updated_at": now,
		}
		if st.Kind == session.Active || st.IsTerminal() {
			updates["last_launch_at"] = now
		}
		res := tx.Model(&models.Session{}).Where("id = ?", id.String()).Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("store: update state %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("store: update state %s: %w", id, session.ErrNotFound)
		}
		if st.Kind != session.Failed {
			return nil
		}
		f := st.Failure
		if f == nil {
			f = &session.Failure{Kind: session.FailureGeneric}
		}
		if err := insertFailure(tx, id, op, f); err != nil {
			return fmt.Errorf("store: record failure %s: %w", id, err)
		}
		return nil
	})
}

func insertFailure(tx *gorm.DB, id session.ID, op session.Operation, f *session.Failure) error {
	ignore := clause.OnConflict{DoNothing: true}
	if op == session.Uninstall {
		return tx.Clauses(ignore).Create(&models.UninstallFailure{
			SessionID: id.String(),
			Kind:      string(f.Kind),
			Message:   f.Message,
		}).Error
	}
	return tx.Clauses(ignore).Create(&models.InstallFailure{
		SessionID:        id.String(),
		Kind:             string(f.Kind),
		Message:          f.Message,
		OtherPackageName: f.OtherPackageName,
		StoragePath:      f.StoragePath,
	}).Error
}

// UpdateProgress upserts the progress row of id.
func (s *Store) UpdateProgress(ctx context.Context, id session.ID, p session.Progress) error {
	row := models.SessionProgress{SessionID: id.String(), Current: p.Current, Max: p.Max, UpdatedAt: time.Now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"current", "max", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store: update progress %s: %w", id, err)
	}
	return nil
}

// SetNativeID records the platform session number of id.
func (s *Store) SetNativeID(ctx context.Context, id session.ID, nativeID int) error {
	row := models.NativeSessionID{SessionID: id.String(), NativeID: nativeID}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"native_id"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store: set native id %s: %w", id, err)
	}
	return nil
}

// SetCommitAttempts records how many constrained commits id has made.
func (s *Store) SetCommitAttempts(ctx context.Context, id session.ID, n int) error {
	err := s.db.WithContext(ctx).Model(&models.InstallConstraint{}).
		Where("session_id = ?", id.String()).
		Update("commit_attempts", n).Error
	if err != nil {
		return fmt.Errorf("store: set commit attempts %s: %w", id, err)
	}
	return nil
}

// SetConfirmationLaunched records that the platform showed its own
// confirmation for id. Repeated calls keep the first timestamp.
func (s *Store) SetConfirmationLaunched(ctx context.Context, id session.ID) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.ConfirmationLaunch{SessionID: id.String(), LaunchedAt: time.Now()}).Error
	if err != nil {
		return fmt.Errorf("store: set confirmation launched %s: %w", id, err)
	}
	return nil
}

// PluginParameters returns the stored parameters of every plugin of id.
func (s *Store) PluginParameters(ctx context.Context, id session.ID) (map[string]json.RawMessage, error) {
	var rows []models.PluginParameter
	if err := s.db.WithContext(ctx).Where("session_id = ?", id.String()).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: plugin parameters %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	out := make(map[string]json.RawMessage, len(rows))
	for _, r := range rows {
		out[r.PluginID] = json.RawMessage(r.Params)
	}
	return out, nil
}

func pluginRows(id session.ID, plugins map[string]json.RawMessage) []models.PluginParameter {
	rows := make([]models.PluginParameter, 0, len(plugins))
	for pid, params := range plugins {
		if len(params) == 0 {
			params = json.RawMessage("{}")
		}
		rows = append(rows, models.PluginParameter{SessionID: id.String(), PluginID: pid, Params: string(params)})
	}
	return rows
}
