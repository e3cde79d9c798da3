package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dohr-michael/taskdeck/internal/events"
	"github.com/dohr-michael/taskdeck/internal/runs"
)

// DefaultTimeout bounds a single notification delivery.
const DefaultTimeout = 10 * time.Second

// Dispatcher listens to the bus and turns selected events into
// notifications. Delivery is fire-and-forget: failures are logged.
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	unsub  func()
	wg     sync.WaitGroup
	closed bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout sets the per-delivery timeout.
func WithTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// WithLogger sets the logger used for delivery failures.
func WithLogger(l *slog.Logger) Option {
	return func(disp *Dispatcher) {
		if l != nil {
			disp.log = l
		}
	}
}

// NewDispatcher creates a dispatcher sending through n.
func NewDispatcher(n Notifier, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		notifier: n,
		timeout:  DefaultTimeout,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Attach subscribes the dispatcher to run status and task events on bus.
func (d *Dispatcher) Attach(bus *events.Bus) {
	unsub := bus.Subscribe(d.Handle, events.EventRunStatus, events.EventTaskUpdated)
	d.mu.Lock()
	d.unsub = unsub
	d.mu.Unlock()
}

// Handle maps one event to a notification and delivers it in the
// background. Events that do not warrant a notification are ignored.
func (d *Dispatcher) Handle(e events.Event) {
	kind, payload, ok := classify(e)
	if !ok {
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.notifier.Notify(ctx, e.WorkspaceID, kind, payload); err != nil {
			d.log.Warn("notification failed",
				"kind", kind, "workspace_id", e.WorkspaceID, "task_id", e.TaskID, "error", err)
		}
	}()
}

// Close detaches from the bus and waits for in-flight deliveries, or for
// ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	if d.unsub != nil {
		d.unsub()
		d.unsub = nil
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func classify(e events.Event) (Kind, map[string]any, bool) {
	switch e.Type {
	case events.EventRunStatus:
		p, ok := events.GetRunStatusPayload(e)
		if !ok {
			return "", nil, false
		}
		base := map[string]any{
			"task_id":  e.TaskID,
			"run_id":   p.RunID,
			"cli_type": p.CLIType,
			"mode":     p.Mode,
			"status":   p.Status,
		}
		switch p.Status {
		case runs.StatusRunning, runs.StatusLaunched:
			return KindRunStarted, base, true
		case runs.StatusCompleted:
			if p.ExitCode != nil {
				base["exit_code"] = *p.ExitCode
			}
			return KindRunCompleted, base, true
		case runs.StatusFailed:
			if p.ExitCode != nil {
				base["exit_code"] = *p.ExitCode
			}
			if p.Error != "" {
				base["error"] = p.Error
			}
			return KindRunFailed, base, true
		}
	case events.EventTaskUpdated:
		p, ok := events.GetTaskUpdatedPayload(e)
		if !ok || !p.Changed() {
			return "", nil, false
		}
		return KindTaskStatusChanged, map[string]any{
			"task_id":         e.TaskID,
			"run_id":          p.RunID,
			"previous_status": p.PreviousStatus,
			"status":          p.Status,
		}, true
	}
	return "", nil, false
}
