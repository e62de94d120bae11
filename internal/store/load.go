package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/pkgyard/internal/install"
	"github.com/zulandar/pkgyard/internal/models"
	"github.com/zulandar/pkgyard/internal/platform"
	"github.com/zulandar/pkgyard/internal/preapproval"
	"github.com/zulandar/pkgyard/internal/session"
	"github.com/zulandar/pkgyard/internal/uninstall"
)

// Record is everything persisted about one session.
type Record struct {
	ID        session.ID
	Operation session.Operation
	State     session.State
	Progress  *session.Progress

	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastLaunchAt time.Time

	// ConfirmationLaunched is set once the platform showed its own prompt.
	ConfirmationLaunched bool

	// Exactly one of Install and Uninstall is set.
	Install   *install.Parameters
	Uninstall *uninstall.Parameters

	NativeID       int
	CommitAttempts int
	Preapproval    preapproval.State
}

// Load reads the session id. The failure row is only read when the session
// is Failed. It returns session.ErrNotFound for unknown ids.
func (s *Store) Load(ctx context.Context, id session.ID) (*Record, error) {
	db := s.db.WithContext(ctx)
	var row models.Session
	err := db.First(&row, "id = ?", id.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("store: load %s: %w", id, session.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load %s: %w", id, err)
	}

	rec, err := s.load(ctx, db, id, row)
	if err != nil {
		return nil, fmt.Errorf("store: load %s: %w", id, err)
	}
	return rec, nil
}

func (s *Store) load(ctx context.Context, db *gorm.DB, id session.ID, row models.Session) (*Record, error) {
	kind, err := session.ParseStateKind(row.State)
	if err != nil {
		return nil, err
	}
	rec := &Record{
		ID:           id,
		Operation:    session.Operation(row.Kind),
		State:        session.State{Kind: kind},
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
		LastLaunchAt: row.LastLaunchAt,
		NativeID:     platform.NoNativeID,
	}
	if kind == session.Failed {
		if rec.State.Failure, err = loadFailure(db, id, rec.Operation); err != nil {
			return nil, err
		}
	}
	notification, err := decodeNotification(row)
	if err != nil {
		return nil, err
	}
	var launched int64
	if err := db.Model(&models.ConfirmationLaunch{}).Where("session_id = ?", row.ID).Count(&launched).Error; err != nil {
		return nil, err
	}
	rec.ConfirmationLaunched = launched > 0
	plugins, err := s.PluginParameters(ctx, id)
	if err != nil {
		return nil, err
	}

	switch rec.Operation {
	case session.Install:
		p := install.Parameters{
			Confirmation:      session.Confirmation(row.Confirmation),
			Notification:      notification,
			Name:              row.Name,
			RequireUserAction: row.RequireUserAction,
			Plugins:           plugins,
		}
		if err := loadInstall(db, rec, &p); err != nil {
			return nil, err
		}
		rec.Install = &p
	case session.Uninstall:
		var pkg models.UninstallPackage
		if err := db.First(&pkg, "session_id = ?", row.ID).Error; err != nil {
			return nil, fmt.Errorf("uninstall package: %w", err)
		}
		rec.Uninstall = &uninstall.Parameters{
			PackageName:  pkg.PackageName,
			Confirmation: session.Confirmation(row.Confirmation),
			Notification: notification,
			Name:         row.Name,
			Plugins:      plugins,
		}
	default:
		return nil, fmt.Errorf("unknown session kind %q", row.Kind)
	}
	return rec, nil
}

func loadInstall(db *gorm.DB, rec *Record, p *install.Parameters) error {
	id := rec.ID.String()
	var uris []models.InstallURI
	if err := db.Where("session_id = ?", id).Order("position").Find(&uris).Error; err != nil {
		return fmt.Errorf("install uris: %w", err)
	}
	for _, u := range uris {
		p.URIs = append(p.URIs, u.URI)
	}

	var typ models.InstallType
	if err := db.Where("session_id = ?", id).Limit(1).Find(&typ).Error; err != nil {
		return fmt.Errorf("install type: %w", err)
	}
	p.Type = install.InstallerType(typ.Type)

	var cons []models.InstallConstraint
	if err := db.Where("session_id = ?", id).Limit(1).Find(&cons).Error; err != nil {
		return fmt.Errorf("install constraints: %w", err)
	}
	if len(cons) == 1 {
		c := cons[0]
		strategy, err := install.ParseTimeoutStrategy(c.TimeoutStrategy)
		if err != nil {
			return err
		}
		p.Constraints = &install.Constraints{
			Constraints: platform.Constraints{
				AppNotForeground:  c.AppNotForeground,
				AppNotInteracting: c.AppNotInteracting,
				AppNotTopVisible:  c.AppNotTopVisible,
				DeviceIdle:        c.DeviceIdle,
				NotInCall:         c.NotInCall,
				Timeout:           time.Duration(c.TimeoutMillis) * time.Millisecond,
			},
			TimeoutStrategy: strategy,
		}
		rec.CommitAttempts = c.CommitAttempts
	}

	var pre []models.InstallPreapproval
	if err := db.Where("session_id = ?", id).Limit(1).Find(&pre).Error; err != nil {
		return fmt.Errorf("install preapproval: %w", err)
	}
	if len(pre) == 1 {
		pa := pre[0]
		p.Preapproval = &install.Preapproval{
			PreapprovalDetails: platform.PreapprovalDetails{
				PackageName: pa.PackageName,
				Label:       pa.Label,
				Locale:      pa.Locale,
				Icon:        pa.Icon,
			},
			FallbackToOnDemand: pa.FallbackToOnDemand,
		}
		rec.Preapproval = preapproval.FromFlags(pa.IsActivating, pa.IsActive, pa.IsPreapproved)
	}

	var native []models.NativeSessionID
	if err := db.Where("session_id = ?", id).Limit(1).Find(&native).Error; err != nil {
		return fmt.Errorf("native session id: %w", err)
	}
	if len(native) == 1 {
		rec.NativeID = native[0].NativeID
	}

	var prog []models.SessionProgress
	if err := db.Where("session_id = ?", id).Limit(1).Find(&prog).Error; err != nil {
		return fmt.Errorf("session progress: %w", err)
	}
	if len(prog) == 1 {
		rec.Progress = &session.Progress{Current: prog[0].Current, Max: prog[0].Max}
	}
	return nil
}

func loadFailure(db *gorm.DB, id session.ID, op session.Operation) (*session.Failure, error) {
	if op == session.Uninstall {
		var rows []models.UninstallFailure
		if err := db.Where("session_id = ?", id.String()).Limit(1).Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("uninstall failure: %w", err)
		}
		if len(rows) == 0 {
			return &session.Failure{Kind: session.FailureGeneric}, nil
		}
		return &session.Failure{Kind: session.FailureKind(rows[0].Kind), Message: rows[0].Message}, nil
	}
	var rows []models.InstallFailure
	if err := db.Where("session_id = ?", id.String()).Limit(1).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("install failure: %w", err)
	}
	if len(rows) == 0 {
		return &session.Failure{Kind: session.FailureGeneric}, nil
	}
	r := rows[0]
	return &session.Failure{
		Kind:             session.FailureKind(r.Kind),
		Message:          r.Message,
		OtherPackageName: r.OtherPackageName,
		StoragePath:      r.StoragePath,
	}, nil
}

func decodeNotification(row models.Session) (session.NotificationData, error) {
	n := session.NotificationData{Icon: row.NotificationIcon}
	if row.NotificationTitle != "" {
		if err := json.Unmarshal([]byte(row.NotificationTitle), &n.Title); err != nil {
			return n, fmt.Errorf("decode notification title: %w", err)
		}
	}
	if row.NotificationText != "" {
		if err := json.Unmarshal([]byte(row.NotificationText), &n.Text); err != nil {
			return n, fmt.Errorf("decode notification text: %w", err)
		}
	}
	return n, nil
}

// Filter narrows List.
type Filter struct {
	Operation session.Operation
	States    []session.StateKind
	Limit     int
}

// List returns summaries of persisted sessions, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]session.Summary, error) {
	q := s.db.WithContext(ctx).Model(&models.Session{})
	if f.Operation != "" {
		q = q.Where("kind = ?", string(f.Operation))
	}
	if len(f.States) > 0 {
		names := make([]string, len(f.States))
		for i, k := range f.States {
			names[i] = k.String()
		}
		q = q.Where("state IN ?", names)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []models.Session
	if err := q.Order("created_at DESC, id DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	var progress []models.SessionProgress
	if err := s.db.WithContext(ctx).Where("session_id IN ?", ids).Find(&progress).Error; err != nil {
		return nil, fmt.Errorf("store: list progress: %w", err)
	}
	byID := make(map[string]session.Progress, len(progress))
	for _, p := range progress {
		byID[p.SessionID] = session.Progress{Current: p.Current, Max: p.Max}
	}

	out := make([]session.Summary, 0, len(rows))
	for _, r := range rows {
		id, err := session.ParseID(r.ID)
		if err != nil {
			return nil, fmt.Errorf("store: list sessions: %w", err)
		}
		kind, err := session.ParseStateKind(r.State)
		if err != nil {
			return nil, fmt.Errorf("store: list sessions: %w", err)
		}
		sum := session.Summary{
			ID:           id,
			Operation:    session.Operation(r.Kind),
			State:        session.State{Kind: kind},
			Confirmation: session.Confirmation(r.Confirmation),
			Name:         r.Name,
			CreatedAt:    r.CreatedAt,
			UpdatedAt:    r.UpdatedAt,
			LastLaunchAt: r.LastLaunchAt,
		}
		if p, ok := byID[r.ID]; ok {
			sum.Progress = &p
		}
		out = append(out, sum)
	}
	return out, nil
}

// CountByState returns the number of sessions in each persisted state.
func (s *Store) CountByState(ctx context.Context) (map[string]int64, error) {
	type row struct {
		State string
		Count int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&models.Session{}).
		Select("state, COUNT(*) AS count").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: count sessions: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.State] = r.Count
	}
	return out, nil
}
