// Package server is the HTTP surface of pkgyard: the session API, platform
// event ingress, per-session state streams, metrics and health probes.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"gorm.io/gorm"

	"github.com/zulandar/pkgyard/internal/repository"
	"github.com/zulandar/pkgyard/internal/router"
)

// Confirmer answers a platform confirmation prompt on the user's behalf.
type Confirmer interface {
	Confirm(ctx context.Context, token string, accept bool) error
}

// Options configure a Server. Repo and Router are required.
type Options struct {
	Repo   *repository.Repository
	Router *router.Router
	// DB is pinged by the readiness probe.
	DB *gorm.DB
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Confirmer enables POST /api/confirmations/:token.
	Confirmer Confirmer
	Port      int
	Out       io.Writer
	Logger    *slog.Logger
	// Heartbeat is the SSE keep-alive interval. Defaults to 15s.
	Heartbeat time.Duration
}

// Server wires the handlers onto a gin engine.
type Server struct {
	opts   Options
	engine *gin.Engine
	health healthcheck.Handler
	log    *slog.Logger
}

// New builds the server without listening.
func New(opts Options) (*Server, error) {
	if opts.Repo == nil || opts.Router == nil {
		return nil, errors.New("server: repository and router are required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(10000))
	if opts.DB != nil {
		sqlDB, err := opts.DB.DB()
		if err != nil {
			return nil, fmt.Errorf("server: database handle: %w", err)
		}
		health.AddReadinessCheck("database", healthcheck.DatabasePingCheck(sqlDB, time.Second))
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{opts: opts, engine: engine, health: health, log: log.With("component", "server")}
	s.registerRoutes()
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Run listens on the configured port. It blocks until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("shutdown", "error", err)
		}
	}()

	if s.opts.Out != nil {
		fmt.Fprintf(s.opts.Out, "pkgyard listening on http://localhost:%d\n", s.opts.Port)
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
