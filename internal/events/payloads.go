package events

import (
	"encoding/json"
	"time"

	"github.com/dohr-michael/taskdeck/internal/runs"
	"github.com/dohr-michael/taskdeck/internal/tasks"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// =============================================================================
// RUN EVENTS
// =============================================================================

// RunStatusPayload is emitted on every persisted run status change.
type RunStatusPayload struct {
	RunID    string       `json:"run_id"`
	Status   runs.Status  `json:"status"`
	CLIType  runs.CLIType `json:"cli_type"`
	Mode     runs.Mode    `json:"mode"`
	PID      *int         `json:"pid,omitempty"`
	ExitCode *int         `json:"exit_code,omitempty"`
	Error    string       `json:"error,omitempty"`
}

func (RunStatusPayload) EventType() EventType { return EventRunStatus }

// RunOutputPayload carries one captured output chunk. Seq starts at 1 and
// increases by one per chunk of the same run.
type RunOutputPayload struct {
	RunID string `json:"run_id"`
	Seq   int    `json:"seq"`
	Chunk string `json:"chunk"`
}

func (RunOutputPayload) EventType() EventType { return EventRunOutput }

// =============================================================================
// TASK EVENTS
// =============================================================================

// TaskUpdatedPayload is emitted when a run transition is propagated to its task.
type TaskUpdatedPayload struct {
	RunID          string       `json:"run_id,omitempty"`
	PreviousStatus tasks.Status `json:"previous_status"`
	Status         tasks.Status `json:"status"`
}

func (TaskUpdatedPayload) EventType() EventType { return EventTaskUpdated }

// Changed reports whether the task status actually moved.
func (p TaskUpdatedPayload) Changed() bool {
	return p.PreviousStatus != p.Status
}

// =============================================================================
// TYPED EVENT CONSTRUCTORS
// =============================================================================

func NewTypedEvent(source EventSource, payload EventPayload) Event {
	return Event{
		ID:        generateEventID(),
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   toMap(payload),
	}
}

// NewTaskEvent creates a typed event scoped to a task and its workspace.
func NewTaskEvent(source EventSource, payload EventPayload, workspaceID, taskID string) Event {
	e := NewTypedEvent(source, payload)
	e.WorkspaceID = workspaceID
	e.TaskID = taskID
	return e
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// =============================================================================
// TYPED PAYLOAD EXTRACTORS
// =============================================================================

func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	if e.Type != result.EventType() {
		return result, false
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}

func GetRunStatusPayload(e Event) (RunStatusPayload, bool) {
	return ExtractPayload[RunStatusPayload](e)
}

func GetRunOutputPayload(e Event) (RunOutputPayload, bool) {
	return ExtractPayload[RunOutputPayload](e)
}

func GetTaskUpdatedPayload(e Event) (TaskUpdatedPayload, bool) {
	return ExtractPayload[TaskUpdatedPayload](e)
}
