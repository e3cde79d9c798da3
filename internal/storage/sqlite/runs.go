package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/dohr-michael/taskdeck/internal/runs"
)

const runColumns = `id, task_id, workspace_id, cli_type, mode, status, prompt, project_dir,
	pid, exit_code, error, output, created_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*runs.Run, error) {
	var r runs.Run
	var pid, exitCode sql.NullInt64
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&r.ID, &r.TaskID, &r.WorkspaceID, &r.CLIType, &r.Mode, &r.Status, &r.Prompt, &r.ProjectDir,
		&pid, &exitCode, &r.Error, &r.Output, &r.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	r.PID = intPtr(pid)
	r.ExitCode = intPtr(exitCode)
	r.StartedAt = timePtr(startedAt)
	r.CompletedAt = timePtr(completedAt)
	return &r, nil
}

// AdmitRun performs the exclusivity and capacity checks and the insert in one
// write transaction.
func (s *Store) AdmitRun(ctx context.Context, r *runs.Run, maxConcurrent int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin admission: %w", err)
	}
	defer tx.Rollback()

	var workspaceID string
	err = tx.QueryRowContext(ctx, `SELECT workspace_id FROM tasks WHERE id = ?`, r.TaskID).Scan(&workspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return runs.ErrTaskNotFound
	}
	if err != nil {
		return fmt.Errorf("read task: %w", err)
	}

	var open int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE task_id = ? AND status IN (`+placeholders(len(runs.OpenStatuses))+`)`,
		append([]any{r.TaskID}, statusArgs(runs.OpenStatuses)...)...,
	).Scan(&open)
	if err != nil {
		return fmt.Errorf("count open runs: %w", err)
	}
	if open > 0 {
		return runs.ErrTaskBusy
	}

	var active int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE status IN (`+placeholders(len(runs.ActiveStatuses))+`)`,
		statusArgs(runs.ActiveStatuses)...,
	).Scan(&active)
	if err != nil {
		return fmt.Errorf("count active runs: %w", err)
	}
	if maxConcurrent > 0 && active >= maxConcurrent {
		return runs.ErrCapacityReached
	}

	if r.ID == "" {
		r.ID = runs.NewID()
	}
	if r.Status == "" {
		r.Status = runs.StatusPending
	}
	if r.Mode == "" {
		r.Mode = runs.ModeManaged
	}
	r.WorkspaceID = workspaceID
	r.CreatedAt = s.now()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, task_id, workspace_id, cli_type, mode, status, prompt, project_dir, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, r.WorkspaceID, r.CLIType, r.Mode, r.Status, r.Prompt, r.ProjectDir, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	return tx.Commit()
}

// GetRun reads a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*runs.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, runs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListTaskRuns returns the runs of a task, most recent first.
func (s *Store) ListTaskRuns(ctx context.Context, taskID string) ([]*runs.Run, error) {
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM runs WHERE task_id = ? ORDER BY created_at DESC, rowid DESC`, taskID)
}

// OpenRunForTask returns the non-terminal run of a task.
func (s *Store) OpenRunForTask(ctx context.Context, taskID string) (*runs.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE task_id = ? AND status IN (`+placeholders(len(runs.OpenStatuses))+`)
		 ORDER BY created_at DESC LIMIT 1`,
		append([]any{taskID}, statusArgs(runs.OpenStatuses)...)...,
	)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, runs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get open run: %w", err)
	}
	return r, nil
}

// ListRunsByStatus returns runs in any of the given statuses, oldest first.
func (s *Store) ListRunsByStatus(ctx context.Context, statuses ...runs.Status) ([]*runs.Run, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status IN (`+placeholders(len(statuses))+`) ORDER BY created_at, rowid`,
		statusArgs(statuses)...)
}

// TransitionRun is a compare-and-set on the run status.
func (s *Store) TransitionRun(ctx context.Context, id string, from []runs.Status, t runs.Transition) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}

	sets := []string{"status = ?"}
	args := []any{t.Status}
	if t.PID != nil {
		sets = append(sets, "pid = ?")
		args = append(args, *t.PID)
	}
	if t.ExitCode != nil {
		sets = append(sets, "exit_code = ?")
		args = append(args, *t.ExitCode)
	}
	if t.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *t.Error)
	}
	if t.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, *t.Output)
	}
	if t.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, nullTime(t.StartedAt))
	}
	if t.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, nullTime(t.CompletedAt))
	}

	args = append(args, id)
	args = append(args, statusArgs(from)...)

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status IN (`+placeholders(len(from))+`)`,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("transition run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition run: %w", err)
	}
	return n == 1, nil
}

// SaveOutput replaces the accumulated output of a run.
func (s *Store) SaveOutput(ctx context.Context, id, output string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET output = ? WHERE id = ?`, output, id)
	if err != nil {
		return fmt.Errorf("save output: %w", err)
	}
	return nil
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]*runs.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var list []*runs.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		list = append(list, r)
	}
	return list, rows.Err()
}

func statusArgs(statuses []runs.Status) []any {
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	return args
}
