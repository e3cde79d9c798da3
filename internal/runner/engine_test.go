package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dohr-michael/taskdeck/internal/events"
	"github.com/dohr-michael/taskdeck/internal/runs"
	"github.com/dohr-michael/taskdeck/internal/storage/sqlite"
	"github.com/dohr-michael/taskdeck/internal/tasks"
)

type testEnv struct {
	engine *Engine
	store  *sqlite.Store
	bus    *events.Bus
	rec    *recorder
	dir    string
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Deliver(e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) forRun(runID string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if id, _ := e.Payload["run_id"].(string); id == runID {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) outputOf(runID string) string {
	var b strings.Builder
	for _, e := range r.forRun(runID) {
		if p, ok := events.GetRunOutputPayload(e); ok {
			b.WriteString(p.Chunk)
		}
	}
	return b.String()
}

func (r *recorder) hasStatus(runID string, status runs.Status) bool {
	for _, e := range r.forRun(runID) {
		if p, ok := events.GetRunStatusPayload(e); ok && p.Status == status {
			return true
		}
	}
	return false
}

type fakeLauncher struct {
	mu   sync.Mutex
	reqs []LaunchRequest
	err  error
}

func (f *fakeLauncher) Launch(_ context.Context, req LaunchRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.err
}

// newTestEnv builds an engine whose claude backend runs the prompt as a
// /bin/sh script.
func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	root := t.TempDir()
	store, err := sqlite.Open(filepath.Join(root, "taskdeck.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	bus := events.NewBus(256)

	cfg := Config{
		Runs:        store,
		Tasks:       store,
		Bus:         bus,
		Limits:      Limits{MaxConcurrent: 2, AllowedDirs: []string{root}},
		DefaultDir:  root,
		GracePeriod: time.Second,
		Backends: map[runs.CLIType]Backend{
			runs.CLIClaude: {Binary: "/bin/sh", Args: []string{"-c", "{prompt}"}},
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	env := &testEnv{engine: New(cfg), store: store, bus: bus, rec: &recorder{}, dir: root}
	if err := env.engine.RegisterClient(env.rec); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		env.engine.Shutdown(ctx)
		bus.Close()
		store.Close()
	})
	return env
}

func (env *testEnv) task(t *testing.T) *tasks.Task {
	t.Helper()
	task := &tasks.Task{WorkspaceID: "ws1", Title: "fix bug"}
	if err := env.store.CreateTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	return task
}

func (env *testEnv) start(t *testing.T, taskID, script string) *runs.Run {
	t.Helper()
	r, err := env.engine.StartRun(context.Background(), taskID, StartOptions{CLIType: runs.CLIClaude, Prompt: script})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	return r
}

func (env *testEnv) waitStatus(t *testing.T, runID string, want runs.Status) *runs.Run {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		r, err := env.store.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatal(err)
		}
		if r.Status == want {
			return r
		}
		time.Sleep(10 * time.Millisecond)
	}
	r, _ := env.store.GetRun(context.Background(), runID)
	t.Fatalf("run %s: status %s, want %s", runID, r.Status, want)
	return nil
}

func (env *testEnv) waitExited(t *testing.T, runID string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if env.engine.procs.get(runID) == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("process of run %s still alive", runID)
}

func (env *testEnv) taskStatus(t *testing.T, taskID string) tasks.Status {
	t.Helper()
	task, err := env.store.GetTask(context.Background(), taskID)
	if err != nil {
		t.Fatal(err)
	}
	return task.Status
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartRun_PendingThenRunning(t *testing.T) {
	env := newTestEnv(t, nil)
	task := env.task(t)

	r := env.start(t, task.ID, "sleep 30")
	if r.Status != runs.StatusPending {
		t.Fatalf("expected pending, got %s", r.Status)
	}

	running := env.waitStatus(t, r.ID, runs.StatusRunning)
	if running.PID == nil || running.StartedAt == nil {
		t.Fatalf("expected pid and started_at, got %+v", running)
	}
	waitFor(t, "task in_progress", func() bool { return env.taskStatus(t, task.ID) == tasks.StatusInProgress })

	_, err := env.engine.StartRun(context.Background(), task.ID, StartOptions{CLIType: runs.CLIClaude, Prompt: "fix bug"})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if ve.Message != "Task already has an active run" {
		t.Errorf("unexpected message %q", ve.Message)
	}
	if ve.Reason != ReasonTaskBusy || !ve.Conflict() || !errors.Is(err, runs.ErrTaskBusy) {
		t.Errorf("unexpected reason %s", ve.Reason)
	}
}

func TestStartRun_CompletedWithOutput(t *testing.T) {
	env := newTestEnv(t, nil)
	task := env.task(t)

	r := env.start(t, task.ID, "echo hello; echo oops >&2")
	done := env.waitStatus(t, r.ID, runs.StatusCompleted)

	if done.ExitCode == nil || *done.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %v", done.ExitCode)
	}
	if !strings.Contains(done.Output, "hello\n") || !strings.Contains(done.Output, "oops\n") {
		t.Errorf("expected combined output, got %q", done.Output)
	}
	if done.CompletedAt == nil {
		t.Error("expected completed_at")
	}
	waitFor(t, "task review", func() bool { return env.taskStatus(t, task.ID) == tasks.StatusReview })

	// Every output event precedes the terminal status event.
	evs := env.rec.forRun(r.ID)
	terminal := -1
	lastOutput := -1
	var statuses []runs.Status
	for i, e := range evs {
		switch e.Type {
		case events.EventRunOutput:
			lastOutput = i
		case events.EventRunStatus:
			p, _ := events.GetRunStatusPayload(e)
			statuses = append(statuses, p.Status)
			if p.Status == runs.StatusCompleted {
				terminal = i
			}
		}
	}
	if terminal < 0 || lastOutput < 0 {
		t.Fatalf("missing events: %v", statuses)
	}
	if lastOutput > terminal {
		t.Errorf("output event delivered after terminal event")
	}
	if statuses[0] != runs.StatusPending || statuses[len(statuses)-1] != runs.StatusCompleted {
		t.Errorf("unexpected status sequence %v", statuses)
	}
}

func TestStartRun_NonZeroExit(t *testing.T) {
	env := newTestEnv(t, nil)
	task := env.task(t)

	r := env.start(t, task.ID, "exit 3")
	done := env.waitStatus(t, r.ID, runs.StatusFailed)

	if done.ExitCode == nil || *done.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %v", done.ExitCode)
	}
	if done.Error != "" {
		t.Errorf("plain exit should not set an error, got %q", done.Error)
	}
	waitFor(t, "task needs_attention", func() bool { return env.taskStatus(t, task.ID) == tasks.StatusNeedsAttention })
}

func TestStartRun_SpawnError(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Backends = map[runs.CLIType]Backend{runs.CLIClaude: {Binary: "/nonexistent/claude"}}
	})
	task := env.task(t)

	r := env.start(t, task.ID, "fix bug")
	done := env.waitStatus(t, r.ID, runs.StatusFailed)

	if done.Error == "" {
		t.Error("expected spawn error message")
	}
	if done.ExitCode != nil {
		t.Errorf("expected no exit code, got %d", *done.ExitCode)
	}
	waitFor(t, "task needs_attention", func() bool { return env.taskStatus(t, task.ID) == tasks.StatusNeedsAttention })
}

func TestStartRun_Validation(t *testing.T) {
	env := newTestEnv(t, nil)
	task := env.task(t)

	tests := []struct {
		name   string
		opts   StartOptions
		reason Reason
	}{
		{"missing prompt", StartOptions{CLIType: runs.CLIClaude, Prompt: "  "}, ReasonPromptRequired},
		{"unsupported cli", StartOptions{CLIType: "vim", Prompt: "x"}, ReasonUnsupportedCLI},
		{"missing dir", StartOptions{CLIType: runs.CLIClaude, Prompt: "x", ProjectDir: filepath.Join(env.dir, "nope")}, ReasonInvalidDir},
		{"dir outside", StartOptions{CLIType: runs.CLIClaude, Prompt: "x", ProjectDir: t.TempDir()}, ReasonDirNotAllowed},
		{"interactive without launcher", StartOptions{CLIType: runs.CLIClaude, Prompt: "x", Interactive: true}, ReasonInteractiveUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.StartRun(context.Background(), task.ID, tt.opts)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Reason != tt.reason {
				t.Errorf("reason = %s, want %s", ve.Reason, tt.reason)
			}
		})
	}

	runsForTask, err := env.engine.GetTaskRuns(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(runsForTask) != 0 {
		t.Errorf("rejected requests must not insert runs, got %d", len(runsForTask))
	}
}

func TestStartRun_TaskNotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.engine.StartRun(context.Background(), "task_missing", StartOptions{CLIType: runs.CLIClaude, Prompt: "x"})
	if !errors.Is(err, runs.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if IsValidation(err) {
		t.Error("missing task is not a validation error")
	}
}

func TestStartRun_ConcurrentCapacity(t *testing.T) {
	env := newTestEnv(t, nil)
	ids := []string{env.task(t).ID, env.task(t).ID, env.task(t).ID}

	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = env.engine.StartRun(context.Background(), id, StartOptions{CLIType: runs.CLIClaude, Prompt: "sleep 30"})
		}(i, id)
	}
	wg.Wait()

	capacity := 0
	for _, err := range errs {
		if err == nil {
			continue
		}
		var ve *ValidationError
		if !errors.As(err, &ve) || ve.Reason != ReasonCapacity {
			t.Fatalf("unexpected error: %v", err)
		}
		capacity++
	}
	if capacity != 1 {
		t.Fatalf("expected exactly one capacity rejection, got %d", capacity)
	}
}

func TestStartRun_SymlinkEscape(t *testing.T) {
	env := newTestEnv(t, nil)
	task := env.task(t)

	link := filepath.Join(env.dir, "evil")
	if err := os.Symlink("/etc", link); err != nil {
		t.Skipf("symlink: %v", err)
	}

	_, err := env.engine.StartRun(context.Background(), task.ID, StartOptions{CLIType: runs.CLIClaude, Prompt: "x", ProjectDir: link})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Reason != ReasonDirNotAllowed {
		t.Fatalf("expected directory-not-allowed error, got %v", err)
	}
}

func TestCancelRun_Running(t *testing.T) {
	env := newTestEnv(t, nil)
	task := env.task(t)

	r := env.start(t, task.ID, "sleep 30")
	env.waitStatus(t, r.ID, runs.StatusRunning)

	ok, err := env.engine.CancelRun(context.Background(), r.ID)
	if err != nil || !ok {
		t.Fatalf("CancelRun: ok=%v err=%v", ok, err)
	}
	env.waitExited(t, r.ID)

	got, _ := env.engine.GetRunStatus(context.Background(), r.ID)
	if got.Status != runs.StatusCancelled {
		t.Fatalf("expected cancelled after exit, got %s", got.Status)
	}
	waitFor(t, "task todo", func() bool { return env.taskStatus(t, task.ID) == tasks.StatusTodo })

	ok, err = env.engine.CancelRun(context.Background(), r.ID)
	if err != nil || ok {
		t.Fatalf("second cancel: ok=%v err=%v", ok, err)
	}
}

func TestCancelRun_OutputPrecedesCancelledEvent(t *testing.T) {
	env := newTestEnv(t, nil)
	task := env.task(t)

	r := env.start(t, task.ID, "trap 'echo bye-after-term; exit 3' TERM; echo ready; while true; do sleep 0.1; done")
	env.waitStatus(t, r.ID, runs.StatusRunning)
	waitFor(t, "ready output", func() bool { return strings.Contains(env.rec.outputOf(r.ID), "ready") })

	if ok, err := env.engine.CancelRun(context.Background(), r.ID); err != nil || !ok {
		t.Fatalf("CancelRun: ok=%v err=%v", ok, err)
	}
	waitFor(t, "cancelled event", func() bool { return env.rec.hasStatus(r.ID, runs.StatusCancelled) })

	evs := env.rec.forRun(r.ID)
	cancelledAt, cancelledCount, lastOutput := -1, 0, -1
	for i, e := range evs {
		switch e.Type {
		case events.EventRunOutput:
			lastOutput = i
		case events.EventRunStatus:
			if p, _ := events.GetRunStatusPayload(e); p.Status == runs.StatusCancelled {
				cancelledAt = i
				cancelledCount++
			}
		}
	}
	if cancelledCount != 1 {
		t.Fatalf("expected one cancelled event, got %d", cancelledCount)
	}
	if lastOutput > cancelledAt {
		t.Errorf("output event %d delivered after the cancelled event %d", lastOutput, cancelledAt)
	}
	if !strings.Contains(env.rec.outputOf(r.ID), "bye-after-term") {
		t.Errorf("expected the trap output to be broadcast, got %q", env.rec.outputOf(r.ID))
	}

	got, _ := env.engine.GetRunStatus(context.Background(), r.ID)
	if got.Status != runs.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if !strings.Contains(got.Output, "bye-after-term") {
		t.Errorf("expected final output stored before the event, got %q", got.Output)
	}
	waitFor(t, "task todo", func() bool { return env.taskStatus(t, task.ID) == tasks.StatusTodo })
}

func TestCancelRun_WhilePendingSkipsSpawn(t *testing.T) {
	env := newTestEnv(t, nil)
	task := env.task(t)
	marker := filepath.Join(env.dir, "spawned")

	cancelled := make(chan bool, 1)
	env.engine.beforeSpawn = func(runID string) {
		ok, err := env.engine.CancelRun(context.Background(), runID)
		if err != nil {
			t.Errorf("CancelRun: %v", err)
		}
		cancelled <- ok
	}

	r := env.start(t, task.ID, "touch "+marker+"; echo spawned")
	if ok := <-cancelled; !ok {
		t.Fatal("expected the pending run to be cancelled")
	}
	waitFor(t, "cancelled event", func() bool { return env.rec.hasStatus(r.ID, runs.StatusCancelled) })
	env.waitExited(t, r.ID)

	got, _ := env.engine.GetRunStatus(context.Background(), r.ID)
	if got.Status != runs.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if got.PID != nil || got.Output != "" {
		t.Errorf("cancelled pending run must not spawn: pid=%v output=%q", got.PID, got.Output)
	}
	if out := env.rec.outputOf(r.ID); out != "" {
		t.Errorf("unexpected output events %q", out)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Errorf("backend process ran for a cancelled run")
	}
	waitFor(t, "task todo", func() bool { return env.taskStatus(t, task.ID) == tasks.StatusTodo })
}

func TestCancelRun_EscalatesToKill(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.GracePeriod = 200 * time.Millisecond })
	task := env.task(t)

	r := env.start(t, task.ID, "trap '' TERM; sleep 30")
	env.waitStatus(t, r.ID, runs.StatusRunning)

	start := time.Now()
	if ok, err := env.engine.CancelRun(context.Background(), r.ID); err != nil || !ok {
		t.Fatalf("CancelRun: ok=%v err=%v", ok, err)
	}
	env.waitExited(t, r.ID)
	if time.Since(start) > 5*time.Second {
		t.Errorf("forced termination took %s", time.Since(start))
	}

	got, _ := env.engine.GetRunStatus(context.Background(), r.ID)
	if got.Status != runs.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}

func TestCancelRun_RaceWithExit(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Limits.MaxConcurrent = 0 })

	for i := 0; i < 10; i++ {
		task := env.task(t)
		r := env.start(t, task.ID, "exit 0")
		ok, err := env.engine.CancelRun(context.Background(), r.ID)
		if err != nil {
			t.Fatal(err)
		}
		env.waitExited(t, r.ID)
		waitFor(t, "terminal status", func() bool {
			got, _ := env.engine.GetRunStatus(context.Background(), r.ID)
			return got.Status.IsTerminal()
		})
		// Let a late exit handler run before checking the final status.
		time.Sleep(20 * time.Millisecond)

		got, _ := env.engine.GetRunStatus(context.Background(), r.ID)
		if ok && got.Status != runs.StatusCancelled {
			t.Fatalf("iteration %d: cancel succeeded but final status is %s", i, got.Status)
		}
		if !ok && got.Status != runs.StatusCompleted {
			t.Fatalf("iteration %d: cancel lost but final status is %s", i, got.Status)
		}
	}
}

func TestCancelRun_Unknown(t *testing.T) {
	env := newTestEnv(t, nil)

	ok, err := env.engine.CancelRun(context.Background(), "run_missing")
	if err != nil || ok {
		t.Fatalf("expected false without error, got ok=%v err=%v", ok, err)
	}
}

func TestCancelRun_PersistedWithoutProcess(t *testing.T) {
	env := newTestEnv(t, nil)
	task := env.task(t)

	r := &runs.Run{TaskID: task.ID, CLIType: runs.CLIClaude, Prompt: "x", ProjectDir: env.dir}
	if err := env.store.AdmitRun(context.Background(), r, 0); err != nil {
		t.Fatal(err)
	}

	ok, err := env.engine.CancelRun(context.Background(), r.ID)
	if err != nil || !ok {
		t.Fatalf("CancelRun: ok=%v err=%v", ok, err)
	}
	got, _ := env.engine.GetRunStatus(context.Background(), r.ID)
	if got.Status != runs.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}

func TestInteractiveRun(t *testing.T) {
	launcher := &fakeLauncher{}
	env := newTestEnv(t, func(c *Config) { c.Launcher = launcher })
	task := env.task(t)

	r, err := env.engine.StartRun(context.Background(), task.ID, StartOptions{
		CLIType: runs.CLIClaude, Prompt: "fix bug", Interactive: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if r.Mode != runs.ModeInteractive {
		t.Fatalf("expected interactive mode, got %s", r.Mode)
	}

	launched := env.waitStatus(t, r.ID, runs.StatusLaunched)
	if launched.PID != nil {
		t.Error("launched run must not have a pid")
	}
	launcher.mu.Lock()
	if len(launcher.reqs) != 1 || launcher.reqs[0].Prompt != "fix bug" || launcher.reqs[0].ProjectDir != env.dir {
		t.Errorf("unexpected launch requests %+v", launcher.reqs)
	}
	launcher.mu.Unlock()
	waitFor(t, "task in_progress", func() bool { return env.taskStatus(t, task.ID) == tasks.StatusInProgress })

	// Launched runs hold the task but not a concurrency slot.
	if _, err := env.engine.StartRun(context.Background(), task.ID, StartOptions{CLIType: runs.CLIClaude, Prompt: "x"}); !errors.Is(err, runs.ErrTaskBusy) {
		t.Fatalf("expected task busy, got %v", err)
	}
	active, err := env.engine.GetActiveRunForTask(context.Background(), task.ID)
	if err != nil || active == nil || active.ID != r.ID {
		t.Fatalf("GetActiveRunForTask = %v, %v", active, err)
	}

	ok, err := env.engine.MarkRunComplete(context.Background(), r.ID)
	if err != nil || !ok {
		t.Fatalf("MarkRunComplete: ok=%v err=%v", ok, err)
	}
	ok, err = env.engine.MarkRunComplete(context.Background(), r.ID)
	if err != nil || ok {
		t.Fatalf("second MarkRunComplete: ok=%v err=%v", ok, err)
	}

	got, _ := env.engine.GetRunStatus(context.Background(), r.ID)
	if got.Status != runs.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if env.taskStatus(t, task.ID) != tasks.StatusReview {
		t.Errorf("expected task review, got %s", env.taskStatus(t, task.ID))
	}
	if active, _ := env.engine.GetActiveRunForTask(context.Background(), task.ID); active != nil {
		t.Errorf("expected no active run, got %s", active.ID)
	}
}

func TestMarkRunComplete_ManagedRunIsNoop(t *testing.T) {
	env := newTestEnv(t, nil)
	task := env.task(t)

	r := env.start(t, task.ID, "sleep 30")
	env.waitStatus(t, r.ID, runs.StatusRunning)

	ok, err := env.engine.MarkRunComplete(context.Background(), r.ID)
	if err != nil || ok {
		t.Fatalf("expected no-op, got ok=%v err=%v", ok, err)
	}
}

func TestInteractiveRun_LaunchFailure(t *testing.T) {
	launcher := &fakeLauncher{err: errors.New("no terminal")}
	env := newTestEnv(t, func(c *Config) { c.Launcher = launcher })
	task := env.task(t)

	r, err := env.engine.StartRun(context.Background(), task.ID, StartOptions{
		CLIType: runs.CLIClaude, Prompt: "fix bug", Interactive: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	got := env.waitStatus(t, r.ID, runs.StatusFailed)
	if got.Error != "no terminal" {
		t.Errorf("expected launcher error, got %q", got.Error)
	}
}

func TestRecover(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	orphan := env.task(t)
	r := &runs.Run{TaskID: orphan.ID, CLIType: runs.CLIClaude, Prompt: "x", ProjectDir: env.dir}
	if err := env.store.AdmitRun(ctx, r, 0); err != nil {
		t.Fatal(err)
	}
	pid := 999999
	if _, err := env.store.TransitionRun(ctx, r.ID, []runs.Status{runs.StatusPending}, runs.Transition{Status: runs.StatusRunning, PID: &pid}); err != nil {
		t.Fatal(err)
	}

	interactive := env.task(t)
	l := &runs.Run{TaskID: interactive.ID, CLIType: runs.CLIClaude, Mode: runs.ModeInteractive, Prompt: "x", ProjectDir: env.dir}
	if err := env.store.AdmitRun(ctx, l, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.TransitionRun(ctx, l.ID, []runs.Status{runs.StatusPending}, runs.Transition{Status: runs.StatusLaunched}); err != nil {
		t.Fatal(err)
	}

	n, err := env.engine.Recover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered run, got %d", n)
	}

	got, _ := env.engine.GetRunStatus(ctx, r.ID)
	if got.Status != runs.StatusFailed || got.Error != OrphanedError {
		t.Fatalf("unexpected recovered run %+v", got)
	}
	if env.taskStatus(t, orphan.ID) != tasks.StatusNeedsAttention {
		t.Errorf("expected orphan task needs_attention, got %s", env.taskStatus(t, orphan.ID))
	}
	kept, _ := env.engine.GetRunStatus(ctx, l.ID)
	if kept.Status != runs.StatusLaunched {
		t.Errorf("launched run should be kept, got %s", kept.Status)
	}
}

func TestSetLimits(t *testing.T) {
	env := newTestEnv(t, nil)
	env.engine.SetLimits(Limits{MaxConcurrent: 1, AllowedDirs: []string{env.dir}})

	env.start(t, env.task(t).ID, "sleep 30")
	_, err := env.engine.StartRun(context.Background(), env.task(t).ID, StartOptions{CLIType: runs.CLIClaude, Prompt: "sleep 30"})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Reason != ReasonCapacity {
		t.Fatalf("expected capacity rejection after lowering the cap, got %v", err)
	}
	if got := env.engine.Limits().MaxConcurrent; got != 1 {
		t.Errorf("Limits().MaxConcurrent = %d", got)
	}
}

func TestGetRunStatus_Missing(t *testing.T) {
	env := newTestEnv(t, nil)

	r, err := env.engine.GetRunStatus(context.Background(), "run_missing")
	if err != nil || r != nil {
		t.Fatalf("expected nil, nil; got %v, %v", r, err)
	}
}

func TestShutdownCancelsLiveRuns(t *testing.T) {
	env := newTestEnv(t, nil)
	task := env.task(t)

	r := env.start(t, task.ID, "sleep 30")
	env.waitStatus(t, r.ID, runs.StatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := env.engine.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if env.engine.ActiveProcesses() != 0 {
		t.Fatalf("expected no live process, got %d", env.engine.ActiveProcesses())
	}
	got, _ := env.engine.GetRunStatus(context.Background(), r.ID)
	if got.Status != runs.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}
