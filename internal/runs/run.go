// Package runs defines the Run entity, its lifecycle state machine and the
// persistence contract used by the orchestration engine.
package runs

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusLaunched  Status = "launched" // interactive variant, no supervised process
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ActiveStatuses count against the system-wide concurrency cap.
var ActiveStatuses = []Status{StatusPending, StatusRunning}

// OpenStatuses are the non-terminal statuses; at most one run per task may be in one.
var OpenStatuses = []Status{StatusPending, StatusRunning, StatusLaunched}

// IsTerminal reports whether no further transition is defined out of s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions lists the allowed forward edges of the state machine.
var transitions = map[Status][]Status{
	StatusPending:  {StatusRunning, StatusLaunched, StatusFailed, StatusCancelled},
	StatusRunning:  {StatusCompleted, StatusFailed, StatusCancelled},
	StatusLaunched: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether from -> to is a valid edge.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Sources returns every status that may legally move to to.
func Sources(to Status) []Status {
	var out []Status
	for from, targets := range transitions {
		if slices.Contains(targets, to) {
			out = append(out, from)
		}
	}
	slices.Sort(out)
	return out
}

// CLIType identifies a supported assistant backend.
type CLIType string

const (
	CLIClaude CLIType = "claude"
	CLICodex  CLIType = "codex"
	CLIGemini CLIType = "gemini"
)

// CLITypes is the fixed set of supported backends.
var CLITypes = []CLIType{CLIClaude, CLICodex, CLIGemini}

// Valid reports whether t is one of CLITypes.
func (t CLIType) Valid() bool {
	return slices.Contains(CLITypes, t)
}

// Mode distinguishes the two execution variants sharing the run lifecycle.
type Mode string

const (
	ModeManaged     Mode = "managed"     // captured subprocess
	ModeInteractive Mode = "interactive" // terminal launch, completed explicitly
)

// Run is one execution attempt of an assistant backend bound to a task.
//
// PID and Output are only populated for ModeManaged.
type Run struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"task_id"`
	WorkspaceID string     `json:"workspace_id,omitempty"`
	CLIType     CLIType    `json:"cli_type"`
	Mode        Mode       `json:"mode"`
	Status      Status     `json:"status"`
	Prompt      string     `json:"prompt"`
	ProjectDir  string     `json:"project_dir"`
	PID         *int       `json:"pid,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Error       string     `json:"error,omitempty"`
	Output      string     `json:"output,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Transition describes the fields written together with a status change.
// Nil fields are left untouched.
type Transition struct {
	Status      Status
	PID         *int
	ExitCode    *int
	Error       *string
	Output      *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// NewID creates a unique run identifier.
func NewID() string {
	return "run_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}
