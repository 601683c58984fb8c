package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/aristath/illustrator/internal/scheduler"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

var base = time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)

func pageTask(id string, page int, deps ...string) *scheduler.Task {
	return &scheduler.Task{
		ID:           id,
		Type:         scheduler.PageIllustration,
		Priority:     scheduler.PriorityMedium,
		Dependencies: deps,
		Status:       scheduler.TaskPending,
		CreatedAt:    base.Add(time.Duration(page) * time.Millisecond),
		StoryID:      "story-1",
		PageIndex:    page,
		Prompt:       "page prompt",
		ArtifactKey:  "story-1/page-" + string(rune('0'+page)),
	}
}

func referenceTask(id string) *scheduler.Task {
	return &scheduler.Task{
		ID:          id,
		Type:        scheduler.GlobalReference,
		Priority:    scheduler.PriorityHigh,
		Status:      scheduler.TaskPending,
		CreatedAt:   base.Add(-time.Second),
		StoryID:     "story-1",
		PageIndex:   -1,
		Prompt:      "reference prompt",
		ArtifactKey: "story-1/reference",
	}
}

func TestSaveAndGetTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	task := pageTask("page-1", 1, "ref", "dep-b")
	task.AttemptCount = 2

	// Dependencies need not exist in the store.
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("failed to save task: %v", err)
	}

	got, err := store.GetTask(ctx, "page-1")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}

	if !got.CreatedAt.Equal(task.CreatedAt) {
		t.Errorf("CreatedAt: expected %v, got %v", task.CreatedAt, got.CreatedAt)
	}
	got.CreatedAt = task.CreatedAt
	if !reflect.DeepEqual(got, task) {
		t.Errorf("round trip mismatch:\nwant %+v\ngot  %+v", task, got)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	store := testStore(t)

	_, err := store.GetTask(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveTaskIdempotent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	task := pageTask("page-1", 1, "a", "b")
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("first save failed: %v", err)
	}

	task.Dependencies = []string{"c"}
	task.Prompt = "rewritten"
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	got, err := store.GetTask(ctx, "page-1")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Prompt != "rewritten" {
		t.Errorf("expected updated prompt, got %q", got.Prompt)
	}
	if !reflect.DeepEqual(got.Dependencies, []string{"c"}) {
		t.Errorf("expected dependencies [c], got %v", got.Dependencies)
	}

	tasks, err := store.ListTasks(ctx)
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("expected 1 task, got %d", len(tasks))
	}
}

func TestDependencyOrderPreserved(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	task := pageTask("page-1", 1, "zeta", "alpha", "mid")
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("failed to save task: %v", err)
	}
	got, err := store.GetTask(ctx, "page-1")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if !reflect.DeepEqual(got.Dependencies, []string{"zeta", "alpha", "mid"}) {
		t.Errorf("expected declared order, got %v", got.Dependencies)
	}
}

func TestUpdateTaskStatus(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SaveTask(ctx, pageTask("page-1", 1)); err != nil {
		t.Fatalf("failed to save task: %v", err)
	}

	if err := store.UpdateTaskStatus(ctx, "page-1", scheduler.TaskFailed, 3, errors.New("no image in response")); err != nil {
		t.Fatalf("failed to update status: %v", err)
	}

	got, err := store.GetTask(ctx, "page-1")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Status != scheduler.TaskFailed {
		t.Errorf("expected status %v, got %v", scheduler.TaskFailed, got.Status)
	}
	if got.AttemptCount != 3 {
		t.Errorf("expected 3 attempts, got %d", got.AttemptCount)
	}
	if got.Err == nil || got.Err.Error() != "no image in response" {
		t.Errorf("expected stored error, got %v", got.Err)
	}

	// Clearing the error on success.
	if err := store.UpdateTaskStatus(ctx, "page-1", scheduler.TaskReady, 4, nil); err != nil {
		t.Fatalf("failed to update status: %v", err)
	}
	got, _ = store.GetTask(ctx, "page-1")
	if got.Err != nil {
		t.Errorf("expected nil error after success, got %v", got.Err)
	}
}

func TestUpdateTaskStatusNotFound(t *testing.T) {
	store := testStore(t)

	err := store.UpdateTaskStatus(context.Background(), "nope", scheduler.TaskReady, 1, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SaveTask(ctx, pageTask("page-1", 1, "ref")); err != nil {
		t.Fatalf("failed to save task: %v", err)
	}
	if err := store.DeleteTask(ctx, "page-1"); err != nil {
		t.Fatalf("failed to delete task: %v", err)
	}
	if _, err := store.GetTask(ctx, "page-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.DeleteTask(ctx, "page-1"); err != nil {
		t.Errorf("deleting a missing task should succeed, got %v", err)
	}

	// Re-saving without dependencies must not resurrect stale edges.
	if err := store.SaveTask(ctx, pageTask("page-1", 1)); err != nil {
		t.Fatalf("failed to re-save task: %v", err)
	}
	got, _ := store.GetTask(ctx, "page-1")
	if len(got.Dependencies) != 0 {
		t.Errorf("expected no dependencies, got %v", got.Dependencies)
	}
}

func TestListTasks(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	// Saved out of creation order.
	for _, task := range []*scheduler.Task{
		pageTask("page-2", 2, "ref"),
		referenceTask("ref"),
		pageTask("page-0", 0, "ref"),
	} {
		if err := store.SaveTask(ctx, task); err != nil {
			t.Fatalf("failed to save %s: %v", task.ID, err)
		}
	}

	tasks, err := store.ListTasks(ctx)
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}

	var ids []string
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	if !reflect.DeepEqual(ids, []string{"ref", "page-0", "page-2"}) {
		t.Errorf("expected creation order, got %v", ids)
	}
	if !reflect.DeepEqual(tasks[2].Dependencies, []string{"ref"}) {
		t.Errorf("expected page-2 to depend on ref, got %v", tasks[2].Dependencies)
	}
	if tasks[0].Dependencies != nil {
		t.Errorf("expected nil dependencies for reference task, got %v", tasks[0].Dependencies)
	}
}

func TestCompletedSet(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"b", "a", "b"} {
		if err := store.MarkCompleted(ctx, id); err != nil {
			t.Fatalf("failed to mark %s: %v", id, err)
		}
	}
	got, err := store.ListCompleted(ctx)
	if err != nil {
		t.Fatalf("failed to list completed: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("expected [a b], got %v", got)
	}

	if err := store.UnmarkCompleted(ctx, "a"); err != nil {
		t.Fatalf("failed to unmark: %v", err)
	}
	if err := store.UnmarkCompleted(ctx, "never"); err != nil {
		t.Fatalf("unmarking an unknown id should succeed, got %v", err)
	}
	got, _ = store.ListCompleted(ctx)
	if !reflect.DeepEqual(got, []string{"b"}) {
		t.Errorf("expected [b], got %v", got)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SaveTask(ctx, pageTask("stale", 9)); err != nil {
		t.Fatalf("failed to save stale task: %v", err)
	}
	if err := store.MarkCompleted(ctx, "stale-done"); err != nil {
		t.Fatalf("failed to mark stale: %v", err)
	}

	s := scheduler.New()
	ref := referenceTask("ref")
	p0 := pageTask("page-0", 0, "ref")
	p1 := pageTask("page-1", 1, "ref")
	for _, task := range []*scheduler.Task{p1, p0, ref} {
		s.Add(task)
	}
	// The reference is generated; its pages wait in the queue.
	if next := s.Next(); next == nil || next.ID != "ref" {
		t.Fatalf("expected ref first, got %v", next)
	}
	s.MarkCompleted("ref")

	tasks, completed := s.Snapshot()
	if err := store.SaveSnapshot(ctx, tasks, completed); err != nil {
		t.Fatalf("failed to save snapshot: %v", err)
	}

	loadedTasks, loadedCompleted, err := LoadSnapshot(ctx, store)
	if err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}
	if !reflect.DeepEqual(loadedCompleted, []string{"ref"}) {
		t.Errorf("expected completed [ref], got %v", loadedCompleted)
	}

	restored := scheduler.New()
	restored.Restore(loadedTasks, loadedCompleted)

	var order []string
	for {
		next := restored.Next()
		if next == nil {
			break
		}
		order = append(order, next.ID)
		restored.MarkCompleted(next.ID)
	}
	if !reflect.DeepEqual(order, []string{"page-0", "page-1"}) {
		t.Errorf("expected restored order [page-0 page-1], got %v", order)
	}
}

func TestOrderForWriteDependenciesFirst(t *testing.T) {
	tasks := []*scheduler.Task{
		pageTask("page-0", 0, "ref"),
		pageTask("page-1", 1, "page-0"),
		referenceTask("ref"),
	}
	tasks[2].CreatedAt = base.Add(time.Hour) // newest, but a dependency of everything

	var ids []string
	for _, task := range orderForWrite(tasks) {
		ids = append(ids, task.ID)
	}
	if !reflect.DeepEqual(ids, []string{"ref", "page-0", "page-1"}) {
		t.Errorf("expected dependencies first, got %v", ids)
	}
}

func TestSQLiteStoreOnDisk(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.db")

	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := store.SaveTask(ctx, referenceTask("ref")); err != nil {
		t.Fatalf("failed to save task: %v", err)
	}
	if err := store.MarkCompleted(ctx, "ref"); err != nil {
		t.Fatalf("failed to mark completed: %v", err)
	}
	store.Close()

	reopened, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	task, err := reopened.GetTask(ctx, "ref")
	if err != nil {
		t.Fatalf("failed to get task after reopen: %v", err)
	}
	if task.Type != scheduler.GlobalReference {
		t.Errorf("expected reference task, got %v", task.Type)
	}
	completed, _ := reopened.ListCompleted(ctx)
	if !reflect.DeepEqual(completed, []string{"ref"}) {
		t.Errorf("expected completed [ref], got %v", completed)
	}
}
