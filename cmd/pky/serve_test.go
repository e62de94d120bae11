package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofrs/flock"

	"github.com/zulandar/pkgyard/internal/config"
	"github.com/zulandar/pkgyard/internal/confirm"
)

func TestLockPath(t *testing.T) {
	sqlite := config.Default()
	sqlite.Database.Path = "/var/lib/pkgyard/sessions.db"

	memory := config.Default()
	memory.Database.Path = ":memory:"

	mysql := config.Default()
	mysql.Database.Driver = "mysql"
	mysql.Database.Host = "db1"
	mysql.Database.Name = "pkgyard"

	tests := []struct {
		name string
		cfg  *config.Config
		want string
	}{
		{"sqlite file", sqlite, "/var/lib/pkgyard/sessions.db.lock"},
		{"sqlite memory", memory, "pkgyard-8080.lock"},
		{"mysql", mysql, "pkgyard-db1-pkgyard.lock"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := lockPath(tt.cfg); !strings.HasSuffix(got, tt.want) {
				t.Errorf("lockPath = %q, want suffix %q", got, tt.want)
			}
		})
	}
}

func TestNotifier_LogOnly(t *testing.T) {
	n, err := notifier(config.Default(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("notifier: %v", err)
	}
	multi, ok := n.(confirm.Multi)
	if !ok || len(multi) != 1 {
		t.Fatalf("notifier = %#v, want one log sink", n)
	}
	if err := n.Notify(context.Background(), confirm.Notice{Title: "t"}); err != nil {
		t.Errorf("Notify: %v", err)
	}
}

func TestServe_RefusesWhenLocked(t *testing.T) {
	cfgPath, dbPath := writeConfig(t, "")
	held := flock.New(dbPath + ".lock")
	locked, err := held.TryLock()
	if err != nil || !locked {
		t.Fatalf("TryLock = %v, %v", locked, err)
	}
	defer held.Unlock()

	_, err = run(t, "serve", "-c", cfgPath)
	if err == nil || !strings.Contains(err.Error(), "another pkgyard server") {
		t.Errorf("err = %v, want lock refusal", err)
	}
}

func TestServeCmd_Help(t *testing.T) {
	out, err := run(t, "serve", "--help")
	if err != nil {
		t.Fatalf("serve --help: %v", err)
	}
	for _, want := range []string{"--port", "--require-confirmation", filepath.Base(defaultConfigPath)} {
		if !strings.Contains(out, want) {
			t.Errorf("help missing %q: %s", want, out)
		}
	}
}
