package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dohr-michael/taskdeck/internal/tasks"
)

// CreateTask inserts a new task.
func (s *Store) CreateTask(ctx context.Context, t *tasks.Task) error {
	if t.ID == "" {
		t.ID = tasks.NewID()
	}
	if t.Status == "" {
		t.Status = tasks.StatusTodo
	}
	now := s.now()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, workspace_id, title, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.WorkspaceID, t.Title, t.Status, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask reads a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*tasks.Task, error) {
	var t tasks.Task
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, title, status, created_at, updated_at FROM tasks WHERE id = ?`, id,
	).Scan(&t.ID, &t.WorkspaceID, &t.Title, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tasks.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// ListTasks returns tasks sorted by UpdatedAt descending.
func (s *Store) ListTasks(ctx context.Context, workspaceID string) ([]*tasks.Task, error) {
	query := `SELECT id, workspace_id, title, status, created_at, updated_at FROM tasks`
	var args []any
	if workspaceID != "" {
		query += ` WHERE workspace_id = ?`
		args = append(args, workspaceID)
	}
	query += ` ORDER BY updated_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var list []*tasks.Task
	for rows.Next() {
		var t tasks.Task
		if err := rows.Scan(&t.ID, &t.WorkspaceID, &t.Title, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}

// UpdateTaskStatus sets the status of a task and returns the previous one.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status tasks.Status) (tasks.Status, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin task update: %w", err)
	}
	defer tx.Rollback()

	var prev tasks.Status
	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", tasks.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read task status: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, status, s.now(), id,
	); err != nil {
		return "", fmt.Errorf("update task status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit task update: %w", err)
	}
	return prev, nil
}
