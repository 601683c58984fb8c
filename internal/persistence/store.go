// Package persistence stores the scheduler's pending collection and
// completed set in SQLite so a run can resume after a restart.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/illustrator/internal/scheduler"
)

// ErrNotFound is returned when a task does not exist.
var ErrNotFound = errors.New("task not found")

// Store persists tasks and the completed set.
type Store interface {
	// Task operations
	SaveTask(ctx context.Context, task *scheduler.Task) error
	GetTask(ctx context.Context, taskID string) (*scheduler.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status scheduler.TaskStatus, attempts int, taskErr error) error
	DeleteTask(ctx context.Context, taskID string) error
	ListTasks(ctx context.Context) ([]*scheduler.Task, error)

	// Completed set
	MarkCompleted(ctx context.Context, taskID string) error
	UnmarkCompleted(ctx context.Context, taskID string) error
	ListCompleted(ctx context.Context) ([]string, error)

	// SaveSnapshot replaces everything stored with the given state.
	SaveSnapshot(ctx context.Context, tasks []*scheduler.Task, completed []string) error

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// pragmas applied to every pooled connection.
const pragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

// NewSQLiteStore creates a SQLite-backed store at dbPath, creating parent
// directories as needed. The database runs in WAL mode.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?%s&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", dbPath, pragmas)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer plus one reader.
	db.SetMaxOpenConns(2)

	return newStore(ctx, db)
}

// NewMemoryStore creates a private in-memory store for tests and
// dry runs.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:%s?mode=memory&cache=shared&%s", uuid.NewString(), pragmas)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	// A single connection keeps the shared-cache database alive and
	// avoids table-level lock conflicts.
	db.SetMaxOpenConns(1)

	return newStore(ctx, db)
}

func newStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
