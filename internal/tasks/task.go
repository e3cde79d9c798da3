// Package tasks models the dashboard tasks that runs are bound to.
package tasks

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dohr-michael/taskdeck/internal/runs"
)

// Status represents the board column of a task.
type Status string

const (
	StatusTodo           Status = "todo"
	StatusInProgress     Status = "in_progress"
	StatusReview         Status = "review"
	StatusNeedsAttention Status = "needs_attention"
	StatusDone           Status = "done"
)

// Valid reports whether s is a known task status.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusReview, StatusNeedsAttention, StatusDone:
		return true
	}
	return false
}

// Task is the unit of work a run executes for.
type Task struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Title       string    `json:"title"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StatusForRun returns the task status derived from a run status, and false
// when the run status has no effect on the task.
func StatusForRun(s runs.Status) (Status, bool) {
	switch s {
	case runs.StatusRunning, runs.StatusLaunched:
		return StatusInProgress, true
	case runs.StatusCompleted:
		return StatusReview, true
	case runs.StatusFailed:
		return StatusNeedsAttention, true
	case runs.StatusCancelled:
		return StatusTodo, true
	}
	return "", false
}

// NewID creates a unique task identifier.
func NewID() string {
	u := uuid.New().String()
	return "task_" + strings.ReplaceAll(u[:18], "-", "")
}
