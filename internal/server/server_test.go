package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zulandar/pkgyard/internal/confirm"
	"github.com/zulandar/pkgyard/internal/db"
	"github.com/zulandar/pkgyard/internal/executor"
	"github.com/zulandar/pkgyard/internal/metrics"
	"github.com/zulandar/pkgyard/internal/platform"
	"github.com/zulandar/pkgyard/internal/repository"
	"github.com/zulandar/pkgyard/internal/router"
	"github.com/zulandar/pkgyard/internal/session"
	"github.com/zulandar/pkgyard/internal/store"
)

const wait = 5 * time.Second

type relay struct {
	mu sync.Mutex
	r  *router.Router
}

func (l *relay) Emit(ctx context.Context, e platform.Event) {
	l.mu.Lock()
	r := l.r
	l.mu.Unlock()
	r.Emit(ctx, e)
}

type fixture struct {
	srv  *Server
	repo *repository.Repository
	lb   *platform.Loopback
}

func newFixture(t *testing.T, script platform.Script) *fixture {
	t.Helper()
	gdb, err := db.ConnectSQLite(filepath.Join(t.TempDir(), "pkgyard.db"))
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(gdb))
	t.Cleanup(func() { _ = db.Close(gdb) })

	pool, err := executor.New(16, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()
		_ = pool.Release(ctx)
	})

	m := metrics.New()
	st := store.New(gdb)
	rl := &relay{}
	lb := platform.NewLoopback(rl, script, nil)
	repo := repository.New(repository.Options{Store: st, Service: lb, Pool: pool, Observer: m})
	rt := router.New(router.Options{
		Sessions:  repo,
		Recorder:  st,
		Presenter: confirm.PresenterFunc(func(context.Context, confirm.Request) error { return nil }),
		Runner:    pool,
		Metrics:   m,
	})
	rl.r = rt
	m.WatchSessions(repo.Count)

	srv, err := New(Options{
		Repo:      repo,
		Router:    rt,
		DB:        gdb,
		Metrics:   m.Handler(),
		Confirmer: lb,
		Heartbeat: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	return &fixture{srv: srv, repo: repo, lb: lb}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	var out map[string]any
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w.Code, out
}

func (f *fixture) awaitState(t *testing.T, id, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		code, body := f.do(t, http.MethodGet, "/api/sessions/"+id, "")
		return code == http.StatusOK && body["state"] == want
	}, wait, 10*time.Millisecond, "session %s never reached %s", id, want)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	if err == nil || !strings.Contains(err.Error(), "required") {
		t.Errorf("New(empty) error = %v, want required error", err)
	}
}

func TestUninstallFlow(t *testing.T) {
	f := newFixture(t, platform.Script{})

	code, body := f.do(t, http.MethodPost, "/api/sessions/uninstall", `{"package_name":"com.example.app","name":"Example"}`)
	require.Equal(t, http.StatusCreated, code)
	id := body["id"].(string)
	assert.Equal(t, "PENDING", body["state"])
	assert.Equal(t, "uninstall", body["operation"])
	assert.Equal(t, "Example", body["name"])

	code, _ = f.do(t, http.MethodPost, "/api/sessions/"+id+"/commit", "")
	assert.Equal(t, http.StatusConflict, code, "commit before launch")

	code, _ = f.do(t, http.MethodPost, "/api/sessions/"+id+"/launch", "")
	require.Equal(t, http.StatusOK, code)
	f.awaitState(t, id, "AWAITING")

	code, _ = f.do(t, http.MethodPost, "/api/sessions/"+id+"/commit", "")
	require.Equal(t, http.StatusOK, code)
	f.awaitState(t, id, "SUCCEEDED")
}

func TestInstallFlow_Progress(t *testing.T) {
	f := newFixture(t, platform.Script{StageSteps: 2})

	code, body := f.do(t, http.MethodPost, "/api/sessions/install", `{
		"uris": ["file:///a.apk"],
		"confirmation": "deferred",
		"constraints": {"device_idle": true, "timeout_strategy": "retry(2)"}
	}`)
	require.Equal(t, http.StatusCreated, code)
	id := body["id"].(string)
	progress := body["progress"].(map[string]any)
	assert.Equal(t, float64(0), progress["current"])
	assert.Equal(t, float64(100), progress["max"])

	f.do(t, http.MethodPost, "/api/sessions/"+id+"/launch", "")
	f.awaitState(t, id, "AWAITING")
	_, body = f.do(t, http.MethodGet, "/api/sessions/"+id, "")
	assert.Equal(t, float64(100), body["progress"].(map[string]any)["current"])
	assert.Equal(t, "deferred", body["confirmation"])
}

func TestCreate_Errors(t *testing.T) {
	f := newFixture(t, platform.Script{})
	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"malformed json", "/api/sessions/install", `{`, http.StatusBadRequest},
		{"no uris", "/api/sessions/install", `{"uris": []}`, http.StatusBadRequest},
		{"bad strategy", "/api/sessions/install", `{"uris":["a"],"constraints":{"timeout_strategy":"later"}}`, http.StatusBadRequest},
		{"missing package", "/api/sessions/uninstall", `{}`, http.StatusBadRequest},
		{"unknown plugin", "/api/sessions/uninstall", `{"package_name":"p","plugins":{"nope":{}}}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := f.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, code)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestShow_Errors(t *testing.T) {
	f := newFixture(t, platform.Script{})

	code, _ := f.do(t, http.MethodGet, "/api/sessions/not-an-id", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodGet, "/api/sessions/"+session.NewID().String(), "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestEventIngress(t *testing.T) {
	f := newFixture(t, platform.Script{})

	_, body := f.do(t, http.MethodPost, "/api/sessions/uninstall", `{"package_name":"com.example.app"}`)
	id := body["id"].(string)
	f.do(t, http.MethodPost, "/api/sessions/"+id+"/launch", "")
	f.awaitState(t, id, "AWAITING")

	code, _ := f.do(t, http.MethodPost, "/api/events", `{"session_id":"`+id+`","status":3,"message":"user said no"}`)
	require.Equal(t, http.StatusAccepted, code)
	_, body = f.do(t, http.MethodGet, "/api/sessions/"+id, "")
	assert.Equal(t, "FAILED", body["state"])
	failure := body["failure"].(map[string]any)
	assert.Equal(t, "aborted", failure["kind"])
	assert.Equal(t, "user said no", failure["message"])

	code, _ = f.do(t, http.MethodPost, "/api/events", `{"session_id":"`+session.NewID().String()+`","status":0}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodPost, "/api/events", `{"status":0}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestList(t *testing.T) {
	f := newFixture(t, platform.Script{})
	ctx := context.Background()

	_, body := f.do(t, http.MethodPost, "/api/sessions/uninstall", `{"package_name":"a"}`)
	cancelled := body["id"].(string)
	f.do(t, http.MethodPost, "/api/sessions/uninstall", `{"package_name":"b"}`)
	f.do(t, http.MethodPost, "/api/sessions/"+cancelled+"/cancel", "")
	flushCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	require.NoError(t, f.repo.Close(flushCtx))

	code, body := f.do(t, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["sessions"], 2)

	code, body = f.do(t, http.MethodGet, "/api/sessions?state=cancelled", "")
	require.Equal(t, http.StatusOK, code)
	list := body["sessions"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, cancelled, list[0].(map[string]any)["id"])

	code, _ = f.do(t, http.MethodGet, "/api/sessions?state=sleeping", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodGet, "/api/sessions?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestConfirmations(t *testing.T) {
	f := newFixture(t, platform.Script{RequireConfirmation: true})

	code, _ := f.do(t, http.MethodPost, "/api/confirmations/unknown", `{"accept":true}`)
	assert.Equal(t, http.StatusNotFound, code)

	_, body := f.do(t, http.MethodPost, "/api/sessions/uninstall", `{"package_name":"com.example.app"}`)
	id := body["id"].(string)
	f.do(t, http.MethodPost, "/api/sessions/"+id+"/launch", "")
	f.awaitState(t, id, "AWAITING")
	f.do(t, http.MethodPost, "/api/sessions/"+id+"/commit", "")

	require.Eventually(t, func() bool {
		code, _ := f.do(t, http.MethodPost, "/api/confirmations/loopback-"+id, `{"accept":true}`)
		return code == http.StatusAccepted
	}, wait, 10*time.Millisecond, "confirmation prompt never issued")
	f.awaitState(t, id, "SUCCEEDED")
}

func TestProbesAndMetrics(t *testing.T) {
	f := newFixture(t, platform.Script{})

	for _, path := range []string{"/live", "/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		f.srv.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, w.Code)
		}
	}

	f.do(t, http.MethodPost, "/api/sessions/uninstall", `{"package_name":"com.example.app"}`)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pkgyard_cached_sessions 1")
}

func TestStateStream(t *testing.T) {
	f := newFixture(t, platform.Script{})
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	_, body := f.do(t, http.MethodPost, "/api/sessions/uninstall", `{"package_name":"com.example.app"}`)
	id := body["id"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/sessions/"+id+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []string
	var states []string
	sc := bufio.NewScanner(resp.Body)
	cancelled := false
	for sc.Scan() {
		line := sc.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			events = append(events, name)
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || events[len(events)-1] != "state" {
			continue
		}
		var v map[string]any
		require.NoError(t, json.Unmarshal([]byte(data), &v))
		states = append(states, v["state"].(string))
		if !cancelled {
			cancelled = true
			code, _ := f.do(t, http.MethodPost, "/api/sessions/"+id+"/cancel", "")
			require.Equal(t, http.StatusOK, code)
		}
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, "connected", events[0])
	assert.Equal(t, []string{"PENDING", "CANCELLED"}, states)
}
