package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/zulandar/pkgyard/internal/platform"
	"github.com/zulandar/pkgyard/internal/session"
)

// AuditID identifies the audit plugin.
const AuditID = "audit"

// AuditParams configure the audit plugin.
type AuditParams struct {
	// Tag is attached to every audit line.
	Tag string `json:"tag,omitempty"`
}

type audit struct {
	tag string
	log *slog.Logger
}

func newAudit(params json.RawMessage, log *slog.Logger) (Plugin, error) {
	var p AuditParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode audit params: %w", err)
		}
	}
	return &audit{tag: p.Tag, log: log}, nil
}

func (a *audit) Wrap(svc platform.Service) platform.Service {
	return &auditedService{next: svc, tag: a.tag, log: a.log}
}

// auditedService logs every platform call with its outcome and duration.
type auditedService struct {
	next platform.Service
	tag  string
	log  *slog.Logger
}

func (s *auditedService) record(ctx context.Context, call string, start time.Time, err error, attrs ...any) {
	attrs = append(attrs, "call", call, "took", time.Since(start))
	if s.tag != "" {
		attrs = append(attrs, "tag", s.tag)
	}
	if err != nil {
		s.log.WarnContext(ctx, "platform call failed", append(attrs, "error", err)...)
		return
	}
	s.log.InfoContext(ctx, "platform call", attrs...)
}

func (s *auditedService) OpenSession(ctx context.Context, id session.ID) (int, error) {
	start := time.Now()
	n, err := s.next.OpenSession(ctx, id)
	s.record(ctx, "open_session", start, err, "session", id.String(), "native_id", n)
	return n, err
}

func (s *auditedService) Stage(ctx context.Context, nativeID int, uris []string, progress func(session.Progress)) error {
	start := time.Now()
	err := s.next.Stage(ctx, nativeID, uris, progress)
	s.record(ctx, "stage", start, err, "native_id", nativeID, "uris", len(uris))
	return err
}

func (s *auditedService) RequestPreapproval(ctx context.Context, id session.ID, nativeID int, d platform.PreapprovalDetails) error {
	start := time.Now()
	err := s.next.RequestPreapproval(ctx, id, nativeID, d)
	s.record(ctx, "request_preapproval", start, err, "session", id.String(), "package", d.PackageName)
	return err
}

func (s *auditedService) Commit(ctx context.Context, req platform.CommitRequest) error {
	start := time.Now()
	err := s.next.Commit(ctx, req)
	s.record(ctx, "commit", start, err,
		"session", req.SessionID.String(),
		"constrained", req.Constraints != nil,
		"preapproved", req.Preapproved)
	return err
}

func (s *auditedService) Abandon(ctx context.Context, nativeID int) error {
	start := time.Now()
	err := s.next.Abandon(ctx, nativeID)
	s.record(ctx, "abandon", start, err, "native_id", nativeID)
	return err
}

func (s *auditedService) Uninstall(ctx context.Context, id session.ID, packageName string) error {
	start := time.Now()
	err := s.next.Uninstall(ctx, id, packageName)
	s.record(ctx, "uninstall", start, err, "session", id.String(), "package", packageName)
	return err
}
