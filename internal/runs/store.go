package runs

import (
	"context"
	"errors"
)

var (
	ErrNotFound        = errors.New("run not found")
	ErrCapacityReached = errors.New("concurrency limit reached")
	ErrTaskBusy        = errors.New("task already has an active run")
	ErrTaskNotFound    = errors.New("task not found")
)

// Store defines the persistence interface for runs.
type Store interface {
	// AdmitRun atomically checks the concurrency cap and task exclusivity and
	// inserts r. It returns ErrTaskNotFound, ErrCapacityReached or ErrTaskBusy
	// without inserting when a check fails.
	AdmitRun(ctx context.Context, r *Run, maxConcurrent int) error
	GetRun(ctx context.Context, id string) (*Run, error)
	// ListTaskRuns returns the runs of a task, most recent first.
	ListTaskRuns(ctx context.Context, taskID string) ([]*Run, error)
	// OpenRunForTask returns the run of taskID in a non-terminal status, or ErrNotFound.
	OpenRunForTask(ctx context.Context, taskID string) (*Run, error)
	ListRunsByStatus(ctx context.Context, statuses ...Status) ([]*Run, error)
	// TransitionRun applies t only if the current status is one of from.
	// It reports whether the row was updated.
	TransitionRun(ctx context.Context, id string, from []Status, t Transition) (bool, error)
	SaveOutput(ctx context.Context, id, output string) error
}
