// Package purge deletes terminal sessions once their retention has passed.
package purge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/zulandar/pkgyard/internal/db"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Metrics counts purged sessions.
type Metrics interface {
	Purged(n int64)
}

// Options configure a Purger.
type Options struct {
	DB        *gorm.DB
	Retention time.Duration
	// Schedule is a five-field cron expression.
	Schedule string
	Logger   *slog.Logger
	Metrics  Metrics
	// Evict drops the purged session ids from an in-memory cache.
	Evict func(ids []string) int
}

// Purger runs the retention sweep on a cron schedule.
type Purger struct {
	db        *gorm.DB
	retention time.Duration
	spec      string
	schedule  cron.Schedule
	log       *slog.Logger
	metrics   Metrics
	evict     func(ids []string) int
	now       func() time.Time
}

// New validates the schedule and returns a Purger.
func New(o Options) (*Purger, error) {
	if o.DB == nil {
		return nil, errors.New("purge: database is required")
	}
	if o.Retention < 0 {
		return nil, fmt.Errorf("purge: negative retention %s", o.Retention)
	}
	sched, err := cronParser.Parse(o.Schedule)
	if err != nil {
		return nil, fmt.Errorf("purge: schedule %q: %w", o.Schedule, err)
	}
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Purger{
		db:        o.DB,
		retention: o.Retention,
		spec:      o.Schedule,
		schedule:  sched,
		log:       log.With("component", "purge"),
		metrics:   o.Metrics,
		evict:     o.Evict,
		now:       time.Now,
	}, nil
}

// Next returns the first sweep after t.
func (p *Purger) Next(t time.Time) time.Time { return p.schedule.Next(t) }

// RunOnce removes every terminal session idle for longer than the
// retention and returns how many were removed.
func (p *Purger) RunOnce(ctx context.Context) (int64, error) {
	cutoff := p.now().Add(-p.retention)
	ids, err := db.PurgeTerminal(p.db.WithContext(ctx), cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	n := int64(len(ids))
	if p.metrics != nil {
		p.metrics.Purged(n)
	}
	if p.evict != nil && len(ids) > 0 {
		if e := p.evict(ids); e > 0 {
			p.log.Debug("evicted finished sessions", "count", e)
		}
	}
	if n > 0 {
		p.log.Info("purged sessions", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}

// Start sweeps once and then on every scheduled tick until the returned
// stop function is called. Stop waits for a running sweep to finish.
func (p *Purger) Start(ctx context.Context) (stop func()) {
	if _, err := p.RunOnce(ctx); err != nil {
		p.log.Error("startup purge", "error", err)
	}
	logger := cronLogger{p.log}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(p.schedule, cron.FuncJob(func() {
		if _, err := p.RunOnce(ctx); err != nil {
			p.log.Error("scheduled purge", "error", err)
		}
	}))
	c.Start()
	p.log.Info("purge scheduled", "schedule", p.spec, "retention", p.retention.String(), "next", p.Next(p.now()).Format(time.RFC3339))
	return func() { <-c.Stop().Done() }
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kv...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kv, "error", err)...)
}
