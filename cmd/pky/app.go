package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/zulandar/pkgyard/internal/config"
	"github.com/zulandar/pkgyard/internal/confirm"
	"github.com/zulandar/pkgyard/internal/db"
	"github.com/zulandar/pkgyard/internal/executor"
	"github.com/zulandar/pkgyard/internal/metrics"
	"github.com/zulandar/pkgyard/internal/platform"
	"github.com/zulandar/pkgyard/internal/plugin"
	"github.com/zulandar/pkgyard/internal/repository"
	"github.com/zulandar/pkgyard/internal/router"
	"github.com/zulandar/pkgyard/internal/store"
)

const defaultConfigPath = "pkgyard.yaml"

// loadConfig reads the config file. A missing default file means built-in
// defaults; a missing explicit file is an error.
func loadConfig(cmd *cobra.Command, path string) (*config.Config, error) {
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return config.Default(), nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openDB connects to the configured store and migrates it.
func openDB(cfg *config.Config) (*gorm.DB, error) {
	gdb, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gdb); err != nil {
		_ = db.Close(gdb)
		return nil, err
	}
	return gdb, nil
}

// relay lets the loopback service emit into a router built after it.
type relay struct{ r *router.Router }

func (l *relay) Emit(ctx context.Context, e platform.Event) { l.r.Emit(ctx, e) }

// app is the wired session stack shared by serve and simulate.
type app struct {
	db       *gorm.DB
	store    *store.Store
	pool     *executor.Pool
	metrics  *metrics.Collector
	loopback *platform.Loopback
	repo     *repository.Repository
	router   *router.Router
	log      *slog.Logger
}

func openRuntime(cfg *config.Config, log *slog.Logger, script platform.Script, presenter func(*platform.Loopback) confirm.Presenter) (*app, error) {
	gdb, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	plugins, err := plugin.FromConfig(cfg.Plugins, log)
	if err != nil {
		_ = db.Close(gdb)
		return nil, err
	}
	pool, err := executor.New(cfg.Sessions.PoolSize, log)
	if err != nil {
		_ = db.Close(gdb)
		return nil, err
	}

	rt := &app{db: gdb, store: store.New(gdb), pool: pool, metrics: metrics.New(), log: log}
	rl := &relay{}
	rt.loopback = platform.NewLoopback(rl, script, log.With("component", "loopback"))
	rt.repo = repository.New(repository.Options{
		Store:    rt.store,
		Service:  rt.loopback,
		Pool:     pool,
		Plugins:  plugins,
		Logger:   log,
		Observer: rt.metrics,
	})
	rt.router = router.New(router.Options{
		Sessions:  rt.repo,
		Recorder:  rt.store,
		Presenter: presenter(rt.loopback),
		Runner:    pool,
		Logger:    log.With("component", "router"),
		Metrics:   rt.metrics,
	})
	rl.r = rt.router
	rt.metrics.WatchSessions(rt.repo.Count)
	return rt, nil
}

func (rt *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rt.loopback.Wait()
	err := errors.Join(rt.repo.Close(ctx), rt.pool.Release(ctx))
	return errors.Join(err, db.Close(rt.db))
}
