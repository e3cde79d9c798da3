package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/dohr-michael/taskdeck/internal/events"
	"github.com/dohr-michael/taskdeck/internal/runner"
	"github.com/dohr-michael/taskdeck/internal/runs"
	"github.com/dohr-michael/taskdeck/internal/storage/sqlite"
	"github.com/dohr-michael/taskdeck/internal/tasks"
)

// waitForEvents polls the bus history until at least n events are present.
func waitForEvents(bus *events.Bus, n int) {
	for i := 0; i < 200; i++ {
		if len(bus.History(100)) >= n {
			return
		}
		runtime.Gosched()
		time.Sleep(time.Millisecond)
	}
}

type testServer struct {
	*Server
	store  *sqlite.Store
	engine *runner.Engine
	dir    string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlite.Open(filepath.Join(dir, "taskdeck.db"))
	if err != nil {
		t.Fatal(err)
	}
	bus := events.NewBus(64)
	engine := runner.New(runner.Config{
		Runs:       store,
		Tasks:      store,
		Bus:        bus,
		Limits:     runner.Limits{MaxConcurrent: 1, AllowedDirs: []string{dir}},
		DefaultDir: dir,
		Backends: map[runs.CLIType]runner.Backend{
			runs.CLIClaude: {Binary: "/bin/sh", Args: []string{"-c", "{prompt}"}},
		},
	})
	srv := NewServer(bus, engine, store, Options{Host: "localhost", Metrics: engine.Metrics().Registry()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		engine.Shutdown(ctx)
		bus.Close()
		store.Close()
	})
	return &testServer{Server: srv, store: store, engine: engine, dir: dir}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func (s *testServer) task(t *testing.T) *tasks.Task {
	t.Helper()
	task := &tasks.Task{WorkspaceID: "ws1", Title: "fix bug"}
	if err := s.store.CreateTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	return task
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return v
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(t)

	w := srv.do(t, http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	body := decode[map[string]any](t, w)
	if body["status"] != "ok" {
		t.Fatalf("expected status %q, got %v", "ok", body["status"])
	}
}

func TestHandleEvents_Empty(t *testing.T) {
	srv := newTestServer(t)

	w := srv.do(t, http.MethodGet, "/api/events", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if body := decode[[]any](t, w); len(body) != 0 {
		t.Fatalf("expected empty array, got %d items", len(body))
	}
}

func TestHandleEvents_LimitParam(t *testing.T) {
	srv := newTestServer(t)

	for i := 0; i < 10; i++ {
		srv.bus.Publish(events.NewTaskEvent(events.SourceEngine,
			events.RunOutputPayload{RunID: "run_1", Seq: i + 1, Chunk: "x"}, "ws1", "task_1"))
	}
	waitForEvents(srv.bus, 10)

	w := srv.do(t, http.MethodGet, "/api/events?limit=5", nil)
	body := decode[[]map[string]any](t, w)
	if len(body) != 5 {
		t.Fatalf("expected 5 events with limit=5, got %d", len(body))
	}
	if body[0]["task_id"] != "task_1" {
		t.Errorf("expected task_id in event, got %v", body[0])
	}
}

func TestTasksAPI(t *testing.T) {
	srv := newTestServer(t)

	w := srv.do(t, http.MethodPost, "/api/tasks", map[string]string{"workspace_id": "ws1", "title": "write docs"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create task: %d %s", w.Code, w.Body)
	}
	created := decode[tasks.Task](t, w)
	if created.ID == "" || created.Status != tasks.StatusTodo {
		t.Fatalf("unexpected task %+v", created)
	}

	w = srv.do(t, http.MethodPost, "/api/tasks", map[string]string{"workspace_id": "ws1", "title": "  "})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank title, got %d", w.Code)
	}

	w = srv.do(t, http.MethodGet, "/api/tasks?workspace_id=ws1", nil)
	list := decode[[]tasks.Task](t, w)
	if len(list) != 1 || list[0].ID != created.ID {
		t.Fatalf("unexpected list %+v", list)
	}

	w = srv.do(t, http.MethodGet, "/api/tasks?workspace_id=other", nil)
	if list := decode[[]tasks.Task](t, w); len(list) != 0 {
		t.Fatalf("expected empty list, got %+v", list)
	}
}

func TestStartRunAPI(t *testing.T) {
	srv := newTestServer(t)
	task := srv.task(t)

	w := srv.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/runs", runner.StartOptions{CLIType: runs.CLIClaude, Prompt: "sleep 5"})
	if w.Code != http.StatusCreated {
		t.Fatalf("start run: %d %s", w.Code, w.Body)
	}
	run := decode[runs.Run](t, w)
	if run.Status != runs.StatusPending {
		t.Fatalf("expected pending, got %s", run.Status)
	}

	w = srv.do(t, http.MethodGet, "/api/tasks/"+task.ID+"/runs/active", nil)
	if w.Code != http.StatusOK || decode[runs.Run](t, w).ID != run.ID {
		t.Fatalf("active run: %d", w.Code)
	}

	w = srv.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/runs", runner.StartOptions{CLIType: runs.CLIClaude, Prompt: "true"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for busy task, got %d", w.Code)
	}
	if body := decode[map[string]string](t, w); body["error"] != "Task already has an active run" {
		t.Fatalf("unexpected error %v", body)
	}

	w = srv.do(t, http.MethodPost, "/api/runs/"+run.ID+"/cancel", nil)
	if body := decode[map[string]bool](t, w); !body["cancelled"] {
		t.Fatalf("expected cancelled, got %v", body)
	}
	w = srv.do(t, http.MethodPost, "/api/runs/"+run.ID+"/cancel", nil)
	if body := decode[map[string]bool](t, w); body["cancelled"] {
		t.Fatal("second cancel must report false")
	}

	w = srv.do(t, http.MethodGet, "/api/runs/"+run.ID, nil)
	if got := decode[runs.Run](t, w); got.Status != runs.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}

	w = srv.do(t, http.MethodGet, "/api/tasks/"+task.ID+"/runs", nil)
	if list := decode[[]runs.Run](t, w); len(list) != 1 {
		t.Fatalf("expected 1 run, got %d", len(list))
	}

	w = srv.do(t, http.MethodGet, "/api/tasks/"+task.ID+"/runs/active", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without active run, got %d", w.Code)
	}
}

func TestStartRunAPI_Errors(t *testing.T) {
	srv := newTestServer(t)
	task := srv.task(t)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"empty prompt", "/api/tasks/" + task.ID + "/runs", runner.StartOptions{CLIType: runs.CLIClaude}, http.StatusBadRequest},
		{"bad cli", "/api/tasks/" + task.ID + "/runs", runner.StartOptions{CLIType: "vim", Prompt: "x"}, http.StatusBadRequest},
		{"dir outside allow-list", "/api/tasks/" + task.ID + "/runs", runner.StartOptions{CLIType: runs.CLIClaude, Prompt: "x", ProjectDir: "/"}, http.StatusBadRequest},
		{"unknown task", "/api/tasks/task_missing/runs", runner.StartOptions{CLIType: runs.CLIClaude, Prompt: "x"}, http.StatusNotFound},
		{"malformed body", "/api/tasks/" + task.ID + "/runs", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := srv.do(t, http.MethodPost, tt.path, tt.body)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body)
			}
			if body := decode[map[string]string](t, w); body["error"] == "" {
				t.Fatal("expected JSON error body")
			}
		})
	}
}

func TestRunNotFound(t *testing.T) {
	srv := newTestServer(t)

	if w := srv.do(t, http.MethodGet, "/api/runs/run_missing", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w := srv.do(t, http.MethodGet, "/api/tasks/task_missing/runs", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown task, got %d", w.Code)
	}
	w := srv.do(t, http.MethodPost, "/api/runs/run_missing/complete", nil)
	if body := decode[map[string]bool](t, w); body["completed"] {
		t.Fatal("expected completed=false")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	task := srv.task(t)
	srv.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/runs", runner.StartOptions{CLIType: runs.CLIClaude})

	w := srv.do(t, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{"taskdeck_runs_active", `taskdeck_admission_rejections_total{reason="prompt_required"} 1`} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics missing %s", name)
		}
	}
}
