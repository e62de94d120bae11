package main

import (
	"strings"
	"testing"

	"github.com/zulandar/pkgyard/internal/session"
)

func TestParseFilter(t *testing.T) {
	tests := []struct {
		name      string
		operation string
		states    string
		wantOp    session.Operation
		wantKinds []session.StateKind
		wantErr   bool
	}{
		{name: "empty"},
		{name: "operation", operation: "Install", wantOp: session.Install},
		{name: "states", states: "pending, cancelled", wantKinds: []session.StateKind{session.Pending, session.Cancelled}},
		{name: "bad operation", operation: "upgrade", wantErr: true},
		{name: "bad state", states: "done", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := parseFilter(tt.operation, tt.states, 10)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseFilter: %v", err)
			}
			if f.Operation != tt.wantOp {
				t.Errorf("Operation = %q, want %q", f.Operation, tt.wantOp)
			}
			if len(f.States) != len(tt.wantKinds) {
				t.Fatalf("States = %v, want %v", f.States, tt.wantKinds)
			}
			for i := range f.States {
				if f.States[i] != tt.wantKinds[i] {
					t.Errorf("States[%d] = %v, want %v", i, f.States[i], tt.wantKinds[i])
				}
			}
			if f.Limit != 10 {
				t.Errorf("Limit = %d, want 10", f.Limit)
			}
		})
	}
}

func TestSessionsList(t *testing.T) {
	cfgPath, dbPath := writeConfig(t, "")
	ids := seed(t, dbPath, 2, 1)

	out, err := run(t, "sessions", "list", "-c", cfgPath)
	if err != nil {
		t.Fatalf("sessions list: %v", err)
	}
	for _, id := range ids {
		if !strings.Contains(out, id.String()) {
			t.Errorf("list missing %s: %s", id, out)
		}
	}
	if !strings.Contains(out, "OPERATION") || !strings.Contains(out, "uninstall") {
		t.Errorf("unexpected list output: %s", out)
	}

	out, err = run(t, "sessions", "list", "-c", cfgPath, "--state", "cancelled")
	if err != nil {
		t.Fatalf("sessions list: %v", err)
	}
	if !strings.Contains(out, ids[0].String()) || strings.Contains(out, ids[1].String()) {
		t.Errorf("state filter output: %s", out)
	}
}

func TestSessionsList_Empty(t *testing.T) {
	cfgPath, _ := writeConfig(t, "")
	out, err := run(t, "sessions", "list", "-c", cfgPath)
	if err != nil {
		t.Fatalf("sessions list: %v", err)
	}
	if !strings.Contains(out, "No sessions.") {
		t.Errorf("output = %q", out)
	}
}

func TestSessionsShow(t *testing.T) {
	cfgPath, dbPath := writeConfig(t, "")
	ids := seed(t, dbPath, 1, 1)

	out, err := run(t, "sessions", "show", ids[0].String(), "-c", cfgPath)
	if err != nil {
		t.Fatalf("sessions show: %v", err)
	}
	for _, want := range []string{"CANCELLED", "com.example.app", "Example", "immediate"} {
		if !strings.Contains(out, want) {
			t.Errorf("show output missing %q: %s", want, out)
		}
	}
}

func TestSessionsShow_Errors(t *testing.T) {
	cfgPath, _ := writeConfig(t, "")

	if _, err := run(t, "sessions", "show", "not-an-id", "-c", cfgPath); err == nil {
		t.Error("expected error for malformed id")
	}
	_, err := run(t, "sessions", "show", session.NewID().String(), "-c", cfgPath)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("err = %v, want not found", err)
	}
}
