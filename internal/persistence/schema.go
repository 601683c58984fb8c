package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
// Dependency targets carry no foreign key: a dependency may already be
// completed and gone from the pending collection.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		type INTEGER NOT NULL,
		priority INTEGER NOT NULL,
		status INTEGER NOT NULL,
		story_id TEXT NOT NULL DEFAULT '',
		page_index INTEGER NOT NULL DEFAULT -1,
		prompt TEXT NOT NULL DEFAULT '',
		artifact_key TEXT NOT NULL DEFAULT '',
		attempt_count INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (task_id, depends_on_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS completed (
		task_id TEXT PRIMARY KEY,
		completed_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
