package tasks

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("task not found")

// Store defines the persistence interface for tasks.
type Store interface {
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	// ListTasks returns tasks of a workspace (all when workspaceID is empty),
	// most recently updated first.
	ListTasks(ctx context.Context, workspaceID string) ([]*Task, error)
	// UpdateTaskStatus sets the status and returns the previous one.
	UpdateTaskStatus(ctx context.Context, id string, status Status) (Status, error)
}
