package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dohr-michael/taskdeck/internal/events"
)

// EventLogger persists lifecycle events to JSONL files, one file per task.
// Output chunks are not logged; the final output lives on the run record.
type EventLogger struct {
	dir         string
	mu          sync.Mutex
	unsubscribe func()
}

// NewEventLogger creates an EventLogger that subscribes to bus events and
// writes them as JSONL to dir.
func NewEventLogger(dir string, bus *events.Bus) *EventLogger {
	el := &EventLogger{dir: dir}
	el.unsubscribe = bus.Subscribe(el.handleEvent)
	return el
}

// Close unsubscribes the logger from the event bus.
func (el *EventLogger) Close() {
	if el.unsubscribe != nil {
		el.unsubscribe()
	}
}

func (el *EventLogger) handleEvent(e events.Event) {
	if e.Type == events.EventRunOutput {
		return
	}
	if err := el.writeEvent(e); err != nil {
		slog.Warn("event log write failed", "event", e.Type, "task_id", e.TaskID, "error", err)
	}
}

func (el *EventLogger) writeEvent(e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	el.mu.Lock()
	defer el.mu.Unlock()

	path := el.logPath(e.TaskID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

// ReadTaskLog returns the logged events of taskID, oldest first. A task
// without a log yields no events.
func (el *EventLogger) ReadTaskLog(taskID string) ([]events.Event, error) {
	return ReadEventLog(el.dir, taskID)
}

// ReadEventLog reads the JSONL log of taskID under dir.
func ReadEventLog(dir, taskID string) ([]events.Event, error) {
	f, err := os.Open(logPath(dir, taskID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []events.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e events.Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, scanner.Err()
}

func (el *EventLogger) logPath(taskID string) string {
	return logPath(el.dir, taskID)
}

func logPath(dir, taskID string) string {
	if taskID == "" {
		return filepath.Join(dir, "_global.jsonl")
	}
	// One path component, whatever the ID contains.
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == '.' {
			return '_'
		}
		return r
	}, taskID)
	return filepath.Join(dir, name+".jsonl")
}
