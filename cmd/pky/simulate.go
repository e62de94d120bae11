package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/pkgyard/internal/config"
	"github.com/zulandar/pkgyard/internal/confirm"
	"github.com/zulandar/pkgyard/internal/install"
	"github.com/zulandar/pkgyard/internal/logger"
	"github.com/zulandar/pkgyard/internal/platform"
	"github.com/zulandar/pkgyard/internal/session"
	"github.com/zulandar/pkgyard/internal/uninstall"
)

type simulateOpts struct {
	op       string
	uris     []string
	pkg      string
	result   string
	confirm  bool
	reject   bool
	steps    int
	dbPath   string
	timeout  time.Duration
	logLevel string
	plugins  []string
	name     string
}

func newSimulateCmd() *cobra.Command {
	var o simulateOpts

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive one session end to end against the loopback platform",
		Long: `Creates an install or uninstall session, launches it, commits it once
it is ready and prints every state and progress change until it finishes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd, o)
		},
	}

	cmd.Flags().StringVar(&o.op, "op", "install", "operation: install or uninstall")
	cmd.Flags().StringSliceVar(&o.uris, "uri", []string{"file:///tmp/app.apk"}, "package URIs to stage (install)")
	cmd.Flags().StringVar(&o.pkg, "package", "com.example.app", "package to remove (uninstall)")
	cmd.Flags().StringVar(&o.result, "result", "success", "final platform status (e.g. success, failure_conflict)")
	cmd.Flags().BoolVar(&o.confirm, "confirm", false, "ask for user confirmation before the result")
	cmd.Flags().BoolVar(&o.reject, "reject", false, "reject the confirmation prompt")
	cmd.Flags().IntVar(&o.steps, "steps", 4, "progress updates per staged URI")
	cmd.Flags().StringVar(&o.dbPath, "db", ":memory:", "sqlite file for the session store")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 30*time.Second, "give up after this long")
	cmd.Flags().StringVar(&o.logLevel, "log-level", "warn", "log level")
	cmd.Flags().StringSliceVar(&o.plugins, "plugin", nil, "plugins to enable")
	cmd.Flags().StringVar(&o.name, "name", "", "display name for the session")
	return cmd
}

// printer serializes output from listener callbacks.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

func runSimulate(cmd *cobra.Command, o simulateOpts) error {
	op := session.Operation(strings.ToLower(o.op))
	if op != session.Install && op != session.Uninstall {
		return fmt.Errorf("unknown operation %q", o.op)
	}
	status, err := session.ParseStatus(o.result)
	if err != nil {
		return err
	}
	if o.reject && !o.confirm {
		return fmt.Errorf("--reject needs --confirm")
	}

	cfg := config.Default()
	cfg.Database.Path = o.dbPath
	cfg.Log.Level = o.logLevel
	cfg.Plugins = o.plugins
	log := logger.New(cmd.ErrOrStderr(), cfg.Log.Level)

	script := platform.Script{
		StageSteps:          o.steps,
		RequireConfirmation: o.confirm,
		CommitStatus:        status,
		UninstallStatus:     status,
	}
	p := &printer{out: cmd.OutOrStdout()}
	present := func(lb *platform.Loopback) confirm.Presenter {
		return confirm.PresenterFunc(func(ctx context.Context, req confirm.Request) error {
			p.printf("confirmation %s: accept=%t\n", req.Token, !o.reject)
			return lb.Confirm(ctx, req.Token, !o.reject)
		})
	}
	rt, err := openRuntime(cfg, log, script, present)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()

	var s session.Session
	switch op {
	case session.Install:
		is, err := rt.repo.CreateInstall(ctx, install.Parameters{URIs: o.uris, Name: o.name, Plugins: pluginParams(o.plugins)})
		if err != nil {
			return err
		}
		is.AddProgressListener(session.ProgressFunc(func(_ session.ID, pr session.Progress) {
			p.printf("progress %d/%d\n", pr.Current, pr.Max)
		}))
		s = is
	case session.Uninstall:
		us, err := rt.repo.CreateUninstall(ctx, uninstall.Parameters{PackageName: o.pkg, Name: o.name, Plugins: pluginParams(o.plugins)})
		if err != nil {
			return err
		}
		s = us
	}
	p.printf("created %s session %s\n", op, s.ID())

	done := make(chan session.State, 1)
	var once sync.Once
	s.AddStateListener(session.StateFunc(func(_ session.ID, st session.State) {
		p.printf("state %s\n", st)
		switch {
		case st.Kind == session.Awaiting:
			s.Commit()
		case st.IsTerminal():
			once.Do(func() { done <- st })
		}
	}))
	s.Launch()

	select {
	case st := <-done:
		if f := st.Failure; f != nil && f.Message != "" {
			p.printf("failure: %s\n", f.Message)
		}
		return nil
	case <-ctx.Done():
		s.Cancel()
		return fmt.Errorf("session %s did not finish: %w", s.ID(), ctx.Err())
	}
}

// pluginParams enables each plugin with empty parameters.
func pluginParams(ids []string) map[string]json.RawMessage {
	if len(ids) == 0 {
		return nil
	}
	m := make(map[string]json.RawMessage, len(ids))
	for _, id := range ids {
		m[id] = json.RawMessage("{}")
	}
	return m
}
