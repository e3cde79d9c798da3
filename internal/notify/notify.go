// Package notify bridges run lifecycle events to external notifications.
package notify

import (
	"context"
	"log/slog"
)

// Kind identifies what a notification is about.
type Kind string

const (
	KindRunStarted        Kind = "run.started"
	KindRunCompleted      Kind = "run.completed"
	KindRunFailed         Kind = "run.failed"
	KindTaskStatusChanged Kind = "task.status_changed"
)

// Notifier sends one notification for a workspace. Implementations may
// block; the dispatcher never calls them from the engine's goroutines.
type Notifier interface {
	Notify(ctx context.Context, workspaceID string, kind Kind, payload map[string]any) error
}

// LogNotifier writes notifications to a logger. It is used when no webhook
// is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, workspaceID string, kind Kind, payload map[string]any) error {
	log := n.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Info("notification", "workspace_id", workspaceID, "kind", kind, "payload", payload)
	return nil
}

// Multi fans a notification out to several notifiers and returns the first
// error after trying all of them.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, workspaceID string, kind Kind, payload map[string]any) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, workspaceID, kind, payload); err != nil && first == nil {
			first = err
		}
	}
	return first
}
