package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/zulandar/pkgyard/internal/config"
	"github.com/zulandar/pkgyard/internal/confirm"
	"github.com/zulandar/pkgyard/internal/logger"
	"github.com/zulandar/pkgyard/internal/platform"
	"github.com/zulandar/pkgyard/internal/purge"
	"github.com/zulandar/pkgyard/internal/server"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
		script     platform.Script
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session service",
		Long: `Runs the HTTP session API backed by the loopback platform. Active
sessions left by a previous run are resumed, and terminal sessions are
purged on the configured schedule. Confirmation prompts are answered
through POST /api/confirmations/<token>.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port, script)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to pkgyard config file")
	cmd.Flags().IntVar(&port, "port", 0, "HTTP port (overrides server.port)")
	cmd.Flags().IntVar(&script.StageSteps, "stage-steps", 4, "progress updates reported per staged URI")
	cmd.Flags().DurationVar(&script.Delay, "delay", 0, "delay before each platform event")
	cmd.Flags().BoolVar(&script.RequireConfirmation, "require-confirmation", true, "ask for confirmation before results")
	cmd.Flags().BoolVar(&script.AutoConfirm, "auto-confirm", false, "accept confirmations without waiting")
	return cmd
}

// lockPath returns the file guarding one store against two servers.
func lockPath(cfg *config.Config) string {
	if cfg.Database.Driver == "sqlite" && cfg.Database.Path != ":memory:" {
		return cfg.Database.Path + ".lock"
	}
	name := "pkgyard-" + strconv.Itoa(cfg.Server.Port)
	if cfg.Database.Driver == "mysql" {
		name = "pkgyard-" + cfg.Database.Host + "-" + cfg.Database.Name
	}
	return filepath.Join(os.TempDir(), name+".lock")
}

// notifier fans deferred confirmations out to the log and every enabled
// chat channel.
func notifier(cfg *config.Config, log *slog.Logger) (confirm.Notifier, error) {
	sinks := confirm.Multi{&confirm.LogNotifier{Logger: log}}
	if c := cfg.Notify.Slack; c.Enabled() {
		n, err := confirm.NewSlackNotifier(confirm.SlackOpts{BotToken: c.BotToken, ChannelID: c.ChannelID})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, n)
	}
	if c := cfg.Notify.Discord; c.Enabled() {
		n, err := confirm.NewDiscordNotifier(confirm.DiscordOpts{BotToken: c.BotToken, ChannelID: c.ChannelID})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, n)
	}
	return sinks, nil
}

func runServe(cmd *cobra.Command, configPath string, port int, script platform.Script) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(cmd, configPath)
	if err != nil {
		return err
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	log := logger.Setup(cfg.Log.Level)

	lock := flock.New(lockPath(cfg))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("another pkgyard server holds %s", lock.Path())
	}
	defer lock.Unlock()

	sinks, err := notifier(cfg, log)
	if err != nil {
		return err
	}
	present := func(*platform.Loopback) confirm.Presenter {
		return &confirm.Switch{
			UI: confirm.PresenterFunc(func(ctx context.Context, req confirm.Request) error {
				log.InfoContext(ctx, "confirmation required",
					"session", req.SessionID, "operation", req.Operation, "token", req.Token)
				return nil
			}),
			Notifier: sinks,
		}
	}
	rt, err := openRuntime(cfg, log, script, present)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := rt.repo.Restore(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		fmt.Fprintf(out, "Resumed %d active sessions\n", n)
	}

	p, err := purge.New(purge.Options{
		DB:        rt.db,
		Retention: cfg.Sessions.Retention,
		Schedule:  cfg.Sessions.PurgeSchedule,
		Logger:    log.With("component", "purge"),
		Metrics:   rt.metrics,
		Evict:     rt.repo.Evict,
	})
	if err != nil {
		return err
	}
	stopPurge := p.Start(ctx)
	defer stopPurge()
	fmt.Fprintf(out, "Next purge at %s\n", p.Next(time.Now()).Format(time.DateTime))

	srv, err := server.New(server.Options{
		Repo:      rt.repo,
		Router:    rt.router,
		DB:        rt.db,
		Metrics:   rt.metrics.Handler(),
		Confirmer: rt.loopback,
		Port:      cfg.Server.Port,
		Out:       out,
		Logger:    log.With("component", "server"),
	})
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}
