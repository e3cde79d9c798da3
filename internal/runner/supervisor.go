package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/dohr-michael/taskdeck/internal/events"
	"github.com/dohr-michael/taskdeck/internal/runs"
)

// outputFlushInterval bounds how often accumulated output is rewritten to
// the store while a process is streaming. The terminal write always carries
// the final output.
const outputFlushInterval = 200 * time.Millisecond

// pipeDrainTimeout bounds how long grandchildren may keep the output pipe
// open after the direct child has exited.
const pipeDrainTimeout = 5 * time.Second

// process is a supervised child, tracked from before its spawn until it has
// exited.
type process struct {
	runID string
	done  chan struct{} // closed once the child has exited or the spawn was abandoned

	mu  sync.Mutex // held while spawning
	cmd *exec.Cmd  // nil until started

	cancelled bool // set by claimCancel, guarded by processTable.mu
}

// processTable maps run IDs to live processes.
type processTable struct {
	mu    sync.Mutex
	procs map[string]*process
}

func newProcessTable() *processTable {
	return &processTable{procs: make(map[string]*process)}
}

func (t *processTable) add(p *process) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.procs[p.runID] = p
}

func (t *processTable) get(runID string) *process {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.procs[runID]
}

// claimCancel marks the tracked process of runID as cancelled and returns it.
// The supervisor of a claimed process publishes the cancellation.
func (t *processTable) claimCancel(runID string) *process {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.procs[runID]
	if p != nil {
		p.cancelled = true
	}
	return p
}

// remove drops runID and reports whether its cancellation was claimed.
func (t *processTable) remove(runID string) (cancelled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.procs[runID]
	delete(t.procs, runID)
	return p != nil && p.cancelled
}

func (t *processTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}

func (t *processTable) ids() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.procs))
	for id := range t.procs {
		ids = append(ids, id)
	}
	return ids
}

// terminate asks the process group to stop and kills it if it is still
// alive after grace. It waits for an in-flight spawn and does nothing when
// the child never started.
func (p *process) terminate(grace time.Duration) (forced bool) {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil {
		return false
	}

	select {
	case <-p.done:
		return false
	default:
	}
	terminateGroup(cmd)

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return false
	case <-timer.C:
		killGroup(cmd)
		return true
	}
}

// chunkWriter receives both stdout and stderr of a run. Each chunk is
// appended to the output buffer, persisted, then broadcast.
type chunkWriter struct {
	e   *Engine
	run runs.Run

	mu        sync.Mutex
	out       *OutputBuffer
	pending   []byte // trailing partial rune held back from the last chunk
	seq       int
	lastFlush time.Time
}

func newChunkWriter(e *Engine, r runs.Run) *chunkWriter {
	return &chunkWriter{e: e, run: r, out: NewOutputBuffer(e.outputLimit)}
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data := append(w.pending, p...)
	complete, rest := splitIncompleteRune(data)
	w.pending = append([]byte(nil), rest...)
	if len(complete) == 0 {
		return len(p), nil
	}
	w.emit(complete)
	return len(p), nil
}

func (w *chunkWriter) emit(chunk []byte) {
	w.out.Write(chunk)
	w.seq++
	w.e.metrics.outputBytes.Add(float64(len(chunk)))

	if now := time.Now(); now.Sub(w.lastFlush) >= outputFlushInterval {
		w.lastFlush = now
		if err := w.e.runs.SaveOutput(context.Background(), w.run.ID, w.out.String()); err != nil {
			w.e.log.Warn("persist run output", "run_id", w.run.ID, "error", err)
		}
	}

	w.e.bus.Publish(events.NewTaskEvent(events.SourceEngine, events.RunOutputPayload{
		RunID: w.run.ID,
		Seq:   w.seq,
		Chunk: string(chunk),
	}, w.run.WorkspaceID, w.run.TaskID))
}

// finish flushes any held-back bytes and returns the final output.
func (w *chunkWriter) finish() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		w.emit(w.pending)
		w.pending = nil
	}
	return w.out.String()
}

// supervise spawns the managed process of r and drives it to a terminal state.
func (e *Engine) supervise(r runs.Run) {
	defer e.wg.Done()
	ctx := context.Background()
	log := e.log.With("run_id", r.ID, "task_id", r.TaskID)

	p := &process{runID: r.ID, done: make(chan struct{})}
	p.mu.Lock()
	e.procs.add(p)

	out := newChunkWriter(e, r)
	cmd, err := e.spawn(ctx, r, out)
	p.cmd = cmd
	p.mu.Unlock()

	if cmd == nil {
		cancelled := e.release(p)
		if err != nil {
			log.Error("spawn run process", "error", err)
			if e.failSpawn(ctx, r, err.Error()) {
				return
			}
		}
		if cancelled {
			e.publishCancelled(ctx, r.ID)
		}
		return
	}

	pid := cmd.Process.Pid
	now := e.now()
	started, startErr := e.runs.TransitionRun(ctx, r.ID, []runs.Status{runs.StatusPending},
		runs.Transition{Status: runs.StatusRunning, PID: &pid, StartedAt: &now})
	if startErr != nil {
		log.Error("persist running status", "error", startErr)
	}
	if started {
		r.Status = runs.StatusRunning
		r.PID = &pid
		r.StartedAt = &now
		log.Info("run started", "pid", pid, "cli_type", r.CLIType)
		e.afterTransition(ctx, &r)
	} else {
		// Cancelled (or failed by persistence) between the status check and the spawn.
		log.Info("run no longer pending, stopping process", "pid", pid)
		go p.terminate(e.grace)
	}

	waitErr := cmd.Wait()
	output := out.finish()
	code, errMsg := exitResult(cmd, waitErr)

	if startErr != nil {
		cancelled := e.release(p)
		if !e.failSpawn(ctx, r, "persist running status: "+startErr.Error()) && cancelled {
			e.publishCancelled(ctx, r.ID)
		}
		return
	}

	status := runs.StatusCompleted
	if code != 0 || errMsg != "" {
		status = runs.StatusFailed
	}
	done := e.now()
	tr := runs.Transition{Status: status, ExitCode: &code, Output: &output, CompletedAt: &done}
	if errMsg != "" {
		tr.Error = &errMsg
	}

	ok, err := e.runs.TransitionRun(ctx, r.ID, []runs.Status{runs.StatusRunning}, tr)
	if err != nil {
		log.Error("persist exit status", "error", err)
	}
	if !ok {
		// Already terminal (cancelled): keep that status, only store the output.
		if err := e.runs.SaveOutput(ctx, r.ID, output); err != nil {
			log.Warn("persist final output", "error", err)
		}
		log.Info("run exited after reaching a terminal state", "exit_code", code)
		if e.release(p) {
			e.publishCancelled(ctx, r.ID)
		}
		return
	}
	e.release(p)

	r.Status = status
	r.ExitCode = &code
	r.Output = output
	r.Error = errMsg
	r.CompletedAt = &done
	log.Info("run finished", "status", status, "exit_code", code)
	e.afterTransition(ctx, &r)
}

// spawn starts the process of r if the run is still pending. It returns a
// nil command and no error when the run has already left pending.
func (e *Engine) spawn(ctx context.Context, r runs.Run, out io.Writer) (*exec.Cmd, error) {
	if e.beforeSpawn != nil {
		e.beforeSpawn(r.ID)
	}
	cur, err := e.runs.GetRun(ctx, r.ID)
	if err != nil {
		return nil, fmt.Errorf("read run: %w", err)
	}
	if cur.Status != runs.StatusPending {
		return nil, nil
	}

	backend, found := e.backends[r.CLIType]
	if !found {
		return nil, fmt.Errorf("no backend configured for %s", r.CLIType)
	}
	path, err := backend.Resolve()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(path, backend.BuildArgs(r.Prompt)...)
	cmd.Dir = r.ProjectDir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = pipeDrainTimeout
	configureProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}
	return cmd, nil
}

// release stops tracking p and reports whether CancelRun left the
// cancellation event to this supervisor.
func (e *Engine) release(p *process) (cancelled bool) {
	cancelled = e.procs.remove(p.runID)
	close(p.done)
	return cancelled
}

// failSpawn records a run whose process never started. It reports whether
// the failure was persisted.
func (e *Engine) failSpawn(ctx context.Context, r runs.Run, msg string) bool {
	now := e.now()
	ok, err := e.runs.TransitionRun(ctx, r.ID, []runs.Status{runs.StatusPending, runs.StatusRunning},
		runs.Transition{Status: runs.StatusFailed, Error: &msg, CompletedAt: &now})
	if err != nil {
		e.log.Error("persist spawn failure", "run_id", r.ID, "error", err)
		return false
	}
	if !ok {
		return false
	}
	e.log.Warn("run failed to start", "run_id", r.ID, "error", msg)
	r.Status = runs.StatusFailed
	r.Error = msg
	r.CompletedAt = &now
	e.afterTransition(ctx, &r)
	return true
}

// exitResult maps the outcome of Wait to an exit code and an error message.
// The message is empty for a plain non-zero exit.
func exitResult(cmd *exec.Cmd, waitErr error) (int, string) {
	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		return code, ""
	case errors.Is(waitErr, exec.ErrWaitDelay):
		// The child exited; a descendant kept the pipe open past the delay.
		return code, ""
	case errors.As(waitErr, &exitErr):
		if code < 0 {
			return code, exitErr.Error()
		}
		return code, ""
	default:
		return code, waitErr.Error()
	}
}
