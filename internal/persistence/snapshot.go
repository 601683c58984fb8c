package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aristath/illustrator/internal/scheduler"
)

// MarkCompleted adds taskID to the completed set.
func (s *SQLiteStore) MarkCompleted(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO completed (task_id) VALUES (?)`, taskID)
	if err != nil {
		return fmt.Errorf("failed to mark %s completed: %w", taskID, err)
	}
	return nil
}

// UnmarkCompleted removes taskID from the completed set.
func (s *SQLiteStore) UnmarkCompleted(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM completed WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("failed to unmark %s: %w", taskID, err)
	}
	return nil
}

// ListCompleted returns the completed set in ID order.
func (s *SQLiteStore) ListCompleted(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id FROM completed ORDER BY task_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query completed set: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan completed id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating completed set: %w", err)
	}
	return ids, nil
}

// SaveSnapshot atomically replaces the stored tasks and completed set.
// Tasks are written dependencies first.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, tasks []*scheduler.Task, completed []string) error {
	ordered := orderForWrite(tasks)

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{`DELETE FROM task_dependencies`, `DELETE FROM tasks`, `DELETE FROM completed`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to clear snapshot: %w", err)
		}
	}
	for _, task := range ordered {
		if err := upsertTask(ctx, tx, task); err != nil {
			return err
		}
	}
	for _, id := range completed {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO completed (task_id) VALUES (?)`, id); err != nil {
			return fmt.Errorf("failed to save completed id %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// orderForWrite sorts tasks dependencies-first, keeping the input order
// if the graph is cyclic.
func orderForWrite(tasks []*scheduler.Task) []*scheduler.Task {
	ids, err := scheduler.Order(tasks)
	if err != nil {
		return tasks
	}
	byID := make(map[string]*scheduler.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	ordered := make([]*scheduler.Task, 0, len(tasks))
	for _, id := range ids {
		if t, ok := byID[id]; ok {
			ordered = append(ordered, t)
			delete(byID, id)
		}
	}
	return ordered
}

// LoadSnapshot returns the stored tasks and completed set.
func LoadSnapshot(ctx context.Context, s Store) ([]*scheduler.Task, []string, error) {
	tasks, err := s.ListTasks(ctx)
	if err != nil {
		return nil, nil, err
	}
	completed, err := s.ListCompleted(ctx)
	if err != nil {
		return nil, nil, err
	}
	return tasks, completed, nil
}
