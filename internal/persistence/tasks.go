package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/illustrator/internal/scheduler"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const taskColumns = `id, type, priority, status, story_id, page_index, prompt, artifact_key, attempt_count, error, created_at`

// SaveTask saves or updates a task and its dependencies.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *scheduler.Task) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertTask(ctx, tx, task); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func upsertTask(ctx context.Context, tx execer, task *scheduler.Task) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			priority = excluded.priority,
			status = excluded.status,
			story_id = excluded.story_id,
			page_index = excluded.page_index,
			prompt = excluded.prompt,
			artifact_key = excluded.artifact_key,
			attempt_count = excluded.attempt_count,
			error = excluded.error,
			created_at = excluded.created_at,
			updated_at = CURRENT_TIMESTAMP
	`, task.ID, task.Type, task.Priority, task.Status, task.StoryID, task.PageIndex,
		task.Prompt, task.ArtifactKey, task.AttemptCount, errorString(task.Err), task.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", task.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, task.ID); err != nil {
		return fmt.Errorf("failed to delete old dependencies: %w", err)
	}
	for i, depID := range task.Dependencies {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO task_dependencies (task_id, depends_on_id, position)
			VALUES (?, ?, ?)
		`, task.ID, depID, i)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", task.ID, depID, err)
		}
	}
	return nil
}

// GetTask retrieves a task by ID, including its dependencies.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	deps, err := s.loadDependencies(ctx, taskID)
	if err != nil {
		return nil, err
	}
	task.Dependencies = deps[taskID]
	return task, nil
}

// UpdateTaskStatus records a status transition, the attempt count and
// the last error.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, taskID string, status scheduler.TaskStatus, attempts int, taskErr error) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, attempt_count = ?, error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, attempts, errorString(taskErr), taskID)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return nil
}

// DeleteTask removes a task and its dependency edges. Deleting an
// unknown task is not an error.
func (s *SQLiteStore) DeleteTask(ctx context.Context, taskID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("failed to delete dependencies: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListTasks returns all tasks with their dependencies, oldest first.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*scheduler.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	var tasks []*scheduler.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	rows.Close()

	deps, err := s.loadDependencies(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		task.Dependencies = deps[task.ID]
	}
	return tasks, nil
}

// loadDependencies returns dependency lists keyed by task ID, for one
// task or, when taskID is empty, for all of them.
func (s *SQLiteStore) loadDependencies(ctx context.Context, taskID string) (map[string][]string, error) {
	query := `SELECT task_id, depends_on_id FROM task_dependencies`
	var args []any
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY task_id, position`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	deps := make(map[string][]string)
	for rows.Next() {
		var id, depID string
		if err := rows.Scan(&id, &depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps[id] = append(deps[id], depID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return deps, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*scheduler.Task, error) {
	task := &scheduler.Task{}
	var errorStr string
	var createdAt int64
	err := row.Scan(&task.ID, &task.Type, &task.Priority, &task.Status, &task.StoryID, &task.PageIndex,
		&task.Prompt, &task.ArtifactKey, &task.AttemptCount, &errorStr, &createdAt)
	if err != nil {
		return nil, err
	}
	task.CreatedAt = time.Unix(0, createdAt)
	if errorStr != "" {
		task.Err = errors.New(errorStr)
	}
	return task, nil
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
