// Package runner is the run orchestration engine: it admits runs, supervises
// their processes or interactive launches, and broadcasts every persisted
// state change.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dohr-michael/taskdeck/internal/events"
	"github.com/dohr-michael/taskdeck/internal/runs"
	"github.com/dohr-michael/taskdeck/internal/tasks"
)

// DefaultGracePeriod is the wait between graceful and forced termination.
const DefaultGracePeriod = 5 * time.Second

// OrphanedError is recorded on runs found active without a live process at startup.
const OrphanedError = "orphaned: engine restarted"

// Config holds the dependencies and settings of an Engine.
type Config struct {
	Runs  runs.Store
	Tasks tasks.Store
	Bus   *events.Bus

	Limits      Limits
	DefaultDir  string
	GracePeriod time.Duration
	OutputLimit int
	Backends    map[runs.CLIType]Backend // merged over DefaultBackends
	Launcher    Launcher                 // nil disables interactive runs
	Metrics     *Metrics                 // nil creates a private one; never shared between engines
	Logger      *slog.Logger
}

// Engine owns the run lifecycle.
type Engine struct {
	runs  runs.Store
	tasks tasks.Store
	bus   *events.Bus

	limits      atomic.Pointer[Limits]
	defaultDir  string
	grace       time.Duration
	outputLimit int
	backends    map[runs.CLIType]Backend
	launcher    Launcher
	metrics     *Metrics
	log         *slog.Logger
	now         func() time.Time

	procs *processTable
	wg    sync.WaitGroup

	beforeSpawn func(runID string) // test hook, runs before the pending check
}

// New creates an Engine.
func New(cfg Config) *Engine {
	e := &Engine{
		runs:        cfg.Runs,
		tasks:       cfg.Tasks,
		bus:         cfg.Bus,
		defaultDir:  cfg.DefaultDir,
		grace:       cfg.GracePeriod,
		outputLimit: cfg.OutputLimit,
		backends:    MergeBackends(cfg.Backends),
		launcher:    cfg.Launcher,
		metrics:     cfg.Metrics,
		log:         cfg.Logger,
		now:         time.Now,
		procs:       newProcessTable(),
	}
	if e.grace <= 0 {
		e.grace = DefaultGracePeriod
	}
	if e.outputLimit <= 0 {
		e.outputLimit = DefaultOutputLimit
	}
	if e.metrics == nil {
		e.metrics = NewMetrics()
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	e.metrics.observeActive(e.procs.len)
	e.SetLimits(cfg.Limits)
	return e
}

// SetLimits atomically replaces the concurrency cap and the directory allow-list.
func (e *Engine) SetLimits(l Limits) {
	l.AllowedDirs = append([]string(nil), l.AllowedDirs...)
	e.limits.Store(&l)
}

// Limits returns the current admission bounds.
func (e *Engine) Limits() Limits {
	return *e.limits.Load()
}

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// ActiveProcesses returns the number of live supervised processes.
func (e *Engine) ActiveProcesses() int {
	return e.procs.len()
}

// StartRun validates opts, atomically admits a run for taskID and returns it
// in pending status. The process is spawned (or the terminal launched)
// asynchronously after admission commits.
func (e *Engine) StartRun(ctx context.Context, taskID string, opts StartOptions) (*runs.Run, error) {
	r, err := e.admit(ctx, taskID, opts)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			e.metrics.rejections.WithLabelValues(string(ve.Reason)).Inc()
			e.log.Info("run rejected", "task_id", taskID, "reason", ve.Reason, "error", ve.Message)
		}
		return nil, err
	}

	e.metrics.runsStarted.WithLabelValues(string(r.CLIType), string(r.Mode)).Inc()
	e.log.Info("run admitted", "run_id", r.ID, "task_id", r.TaskID, "cli_type", r.CLIType, "mode", r.Mode)
	e.broadcastStatus(r)

	e.wg.Add(1)
	if r.Mode == runs.ModeInteractive {
		go e.launch(*r)
	} else {
		go e.supervise(*r)
	}
	return r, nil
}

func (e *Engine) admit(ctx context.Context, taskID string, opts StartOptions) (*runs.Run, error) {
	limits := e.Limits()

	prompt := strings.TrimSpace(opts.Prompt)
	if prompt == "" {
		return nil, invalid(ReasonPromptRequired, "prompt is required")
	}
	if !opts.CLIType.Valid() {
		return nil, invalid(ReasonUnsupportedCLI, "unsupported cli_type %q", opts.CLIType)
	}

	dir := e.defaultDir
	if opts.ProjectDir != "" {
		resolved, err := ValidateProjectDir(opts.ProjectDir, limits.AllowedDirs)
		if err != nil {
			return nil, err
		}
		dir = resolved
	}

	mode := runs.ModeManaged
	if opts.Interactive {
		if e.launcher == nil {
			return nil, invalid(ReasonInteractiveUnavailable, "interactive runs are not available")
		}
		mode = runs.ModeInteractive
	}

	r := &runs.Run{
		TaskID:     taskID,
		CLIType:    opts.CLIType,
		Mode:       mode,
		Status:     runs.StatusPending,
		Prompt:     opts.Prompt,
		ProjectDir: dir,
	}
	err := e.runs.AdmitRun(ctx, r, limits.MaxConcurrent)
	switch {
	case err == nil:
		return r, nil
	case errors.Is(err, runs.ErrTaskBusy):
		return nil, &ValidationError{Reason: ReasonTaskBusy, Message: "Task already has an active run", Err: err}
	case errors.Is(err, runs.ErrCapacityReached):
		return nil, &ValidationError{
			Reason:  ReasonCapacity,
			Message: fmt.Sprintf("Concurrency limit reached (%d active runs)", limits.MaxConcurrent),
			Err:     err,
		}
	default:
		return nil, fmt.Errorf("admit run: %w", err)
	}
}

// CancelRun cancels a non-terminal run. The cancelled status is persisted
// before any signal is sent; a live process then gets SIGTERM and, after the
// grace period, SIGKILL. The cancelled event of a live process is published
// by its supervisor once the last output is stored. It reports false when no
// non-terminal run has that ID.
func (e *Engine) CancelRun(ctx context.Context, runID string) (bool, error) {
	now := e.now()
	ok, err := e.runs.TransitionRun(ctx, runID, runs.Sources(runs.StatusCancelled),
		runs.Transition{Status: runs.StatusCancelled, CompletedAt: &now})
	if err != nil {
		return false, fmt.Errorf("cancel run: %w", err)
	}
	if !ok {
		return false, nil
	}

	if p := e.procs.claimCancel(runID); p != nil {
		e.log.Info("run cancelled, stopping process", "run_id", runID)
		go func() {
			if p.terminate(e.grace) {
				e.log.Warn("run process ignored SIGTERM, killed", "run_id", runID)
			}
		}()
		return true, nil
	}

	e.publishCancelled(ctx, runID)
	return true, nil
}

// publishCancelled broadcasts a persisted cancellation and propagates it to
// the task.
func (e *Engine) publishCancelled(ctx context.Context, runID string) {
	r, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		e.log.Warn("read cancelled run", "run_id", runID, "error", err)
		return
	}
	e.log.Info("run cancelled", "run_id", runID, "task_id", r.TaskID)
	e.afterTransition(ctx, r)
}

// MarkRunComplete completes an interactive run. It is a no-op returning
// false unless the run is currently launched.
func (e *Engine) MarkRunComplete(ctx context.Context, runID string) (bool, error) {
	now := e.now()
	ok, err := e.runs.TransitionRun(ctx, runID, []runs.Status{runs.StatusLaunched},
		runs.Transition{Status: runs.StatusCompleted, CompletedAt: &now})
	if err != nil {
		return false, fmt.Errorf("complete run: %w", err)
	}
	if !ok {
		return false, nil
	}

	r, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		e.log.Warn("read completed run", "run_id", runID, "error", err)
		return true, nil
	}
	e.log.Info("interactive run completed", "run_id", runID, "task_id", r.TaskID)
	e.afterTransition(ctx, r)
	return true, nil
}

// GetRunStatus returns the run, or nil when it does not exist.
func (e *Engine) GetRunStatus(ctx context.Context, runID string) (*runs.Run, error) {
	r, err := e.runs.GetRun(ctx, runID)
	if errors.Is(err, runs.ErrNotFound) {
		return nil, nil
	}
	return r, err
}

// GetTaskRuns returns the runs of a task, most recent first.
func (e *Engine) GetTaskRuns(ctx context.Context, taskID string) ([]*runs.Run, error) {
	return e.runs.ListTaskRuns(ctx, taskID)
}

// GetActiveRunForTask returns the non-terminal run of a task, or nil.
func (e *Engine) GetActiveRunForTask(ctx context.Context, taskID string) (*runs.Run, error) {
	r, err := e.runs.OpenRunForTask(ctx, taskID)
	if errors.Is(err, runs.ErrNotFound) {
		return nil, nil
	}
	return r, err
}

// RegisterClient adds a live event subscriber.
func (e *Engine) RegisterClient(s events.Subscriber) error {
	return e.bus.RegisterClient(s)
}

// UnregisterClient removes a live event subscriber.
func (e *Engine) UnregisterClient(s events.Subscriber) {
	e.bus.UnregisterClient(s)
}

// Recover fails every pending or running run that has no live process in
// this engine, as left behind by a previous process. Launched runs are kept.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	active, err := e.runs.ListRunsByStatus(ctx, runs.ActiveStatuses...)
	if err != nil {
		return 0, fmt.Errorf("list active runs: %w", err)
	}

	recovered := 0
	for _, r := range active {
		if e.procs.get(r.ID) != nil {
			continue
		}
		msg := OrphanedError
		now := e.now()
		ok, err := e.runs.TransitionRun(ctx, r.ID, runs.ActiveStatuses,
			runs.Transition{Status: runs.StatusFailed, Error: &msg, CompletedAt: &now})
		if err != nil {
			e.log.Warn("recover run", "run_id", r.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		r.Status = runs.StatusFailed
		r.Error = msg
		r.CompletedAt = &now
		e.afterTransition(ctx, r)
		recovered++
	}
	if recovered > 0 {
		e.log.Info("recovered orphaned runs", "count", recovered)
	}
	return recovered, nil
}

// Shutdown cancels every live supervised run and waits for the supervisors to
// exit or ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	for _, id := range e.procs.ids() {
		if _, err := e.CancelRun(ctx, id); err != nil {
			e.log.Warn("cancel run on shutdown", "run_id", id, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// launch hands an interactive run to the launcher and marks it launched.
func (e *Engine) launch(r runs.Run) {
	defer e.wg.Done()
	ctx := context.Background()

	cur, err := e.runs.GetRun(ctx, r.ID)
	if err != nil {
		e.failSpawn(ctx, r, "read run: "+err.Error())
		return
	}
	if cur.Status != runs.StatusPending {
		return
	}

	binary := string(r.CLIType)
	if b, ok := e.backends[r.CLIType]; ok && b.Binary != "" {
		binary = b.Binary
	}
	err = e.launcher.Launch(ctx, LaunchRequest{
		RunID:      r.ID,
		CLIType:    r.CLIType,
		Binary:     binary,
		Prompt:     r.Prompt,
		ProjectDir: r.ProjectDir,
	})
	if err != nil {
		e.failSpawn(ctx, r, err.Error())
		return
	}

	now := e.now()
	ok, err := e.runs.TransitionRun(ctx, r.ID, []runs.Status{runs.StatusPending},
		runs.Transition{Status: runs.StatusLaunched, StartedAt: &now})
	if err != nil {
		e.log.Error("persist launched status", "run_id", r.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	r.Status = runs.StatusLaunched
	r.StartedAt = &now
	e.log.Info("run launched", "run_id", r.ID, "task_id", r.TaskID)
	e.afterTransition(ctx, &r)
}

// afterTransition broadcasts a persisted status change and propagates it to
// the owning task.
func (e *Engine) afterTransition(ctx context.Context, r *runs.Run) {
	if r.Status.IsTerminal() {
		e.metrics.runsFinished.WithLabelValues(string(r.Status)).Inc()
	}
	e.broadcastStatus(r)
	e.propagate(ctx, r)
}

func (e *Engine) broadcastStatus(r *runs.Run) {
	e.bus.Publish(events.NewTaskEvent(events.SourceEngine, events.RunStatusPayload{
		RunID:    r.ID,
		Status:   r.Status,
		CLIType:  r.CLIType,
		Mode:     r.Mode,
		PID:      r.PID,
		ExitCode: r.ExitCode,
		Error:    r.Error,
	}, r.WorkspaceID, r.TaskID))
}

// propagate writes the task status derived from r. Failures are logged only.
func (e *Engine) propagate(ctx context.Context, r *runs.Run) {
	next, ok := tasks.StatusForRun(r.Status)
	if !ok || e.tasks == nil {
		return
	}
	prev, err := e.tasks.UpdateTaskStatus(ctx, r.TaskID, next)
	if err != nil {
		e.log.Warn("propagate task status", "task_id", r.TaskID, "run_id", r.ID, "status", next, "error", err)
		return
	}
	e.bus.Publish(events.NewTaskEvent(events.SourceEngine, events.TaskUpdatedPayload{
		RunID:          r.ID,
		PreviousStatus: prev,
		Status:         next,
	}, r.WorkspaceID, r.TaskID))
}
