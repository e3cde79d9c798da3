package ws

import (
	"encoding/json"
	"time"

	"github.com/dohr-michael/taskdeck/internal/events"
)

// FrameType represents the type of WebSocket frame.
type FrameType string

const (
	FrameTypeRequest  FrameType = "req"
	FrameTypeResponse FrameType = "res"
	FrameTypeEvent    FrameType = "event"
)

// Method represents a WebSocket request method.
type Method string

const (
	MethodStartRun    Method = "start_run"
	MethodCancelRun   Method = "cancel_run"
	MethodCompleteRun Method = "complete_run"
	MethodGetRun      Method = "get_run"
)

// Frame is the WebSocket protocol envelope.
type Frame struct {
	Type        FrameType       `json:"type"`
	ID          string          `json:"id,omitempty"`
	Method      string          `json:"method,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
	OK          *bool           `json:"ok,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Error       string          `json:"error,omitempty"`
	Code        string          `json:"code,omitempty"`
	Event       string          `json:"event,omitempty"`
	Timestamp   string          `json:"timestamp,omitempty"`
	WorkspaceID string          `json:"workspace_id,omitempty"`
	TaskID      string          `json:"task_id,omitempty"`
}

// StartRunParams are the params of a start_run request.
type StartRunParams struct {
	TaskID      string `json:"task_id"`
	CLIType     string `json:"cli_type"`
	Prompt      string `json:"prompt"`
	ProjectDir  string `json:"project_dir,omitempty"`
	Interactive bool   `json:"interactive,omitempty"`
}

// RunParams identify the run of cancel_run, complete_run and get_run.
type RunParams struct {
	RunID string `json:"run_id"`
}

// MarshalFrame serializes a Frame to JSON bytes.
func MarshalFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// UnmarshalFrame deserializes JSON bytes into a Frame.
func UnmarshalFrame(data []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(data, &f)
	return f, err
}

// NewEventFrame creates a Frame carrying a bus event.
func NewEventFrame(e events.Event) (Frame, error) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Type:        FrameTypeEvent,
		ID:          e.ID,
		Event:       string(e.Type),
		Timestamp:   e.Timestamp.UTC().Format(time.RFC3339Nano),
		WorkspaceID: e.WorkspaceID,
		TaskID:      e.TaskID,
		Payload:     data,
	}, nil
}

// NewResponseFrame creates a response Frame.
func NewResponseFrame(id string, ok bool, payload any, errMsg string) (Frame, error) {
	f := Frame{
		Type:  FrameTypeResponse,
		ID:    id,
		OK:    &ok,
		Error: errMsg,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, err
		}
		f.Payload = data
	}
	return f, nil
}
