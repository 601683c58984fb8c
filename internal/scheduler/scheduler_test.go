package scheduler

import (
	"slices"
	"sync"
	"testing"
	"time"
)

func ids(tasks []*Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

func drain(s *Scheduler) []string {
	var out []string
	for {
		task := s.Next()
		if task == nil {
			return out
		}
		out = append(out, task.ID)
	}
}

// TestScheduler_PriorityOrder verifies next() returns Critical, Medium, Low
// for tasks added as Low, Critical, Medium.
func TestScheduler_PriorityOrder(t *testing.T) {
	s := New()
	base := time.Now()

	s.Add(&Task{ID: "low", Priority: PriorityLow, CreatedAt: base})
	s.Add(&Task{ID: "critical", Priority: PriorityCritical, CreatedAt: base.Add(time.Millisecond)})
	s.Add(&Task{ID: "medium", Priority: PriorityMedium, CreatedAt: base.Add(2 * time.Millisecond)})

	got := drain(s)
	want := []string{"critical", "medium", "low"}
	if !slices.Equal(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

// TestScheduler_FIFOTieBreak verifies equal priorities come out oldest first.
func TestScheduler_FIFOTieBreak(t *testing.T) {
	s := New()
	base := time.Now()

	// Add the newer task first to make sure ordering is by CreatedAt, not insertion.
	s.Add(&Task{ID: "t2", Priority: PriorityHigh, CreatedAt: base.Add(time.Second)})
	s.Add(&Task{ID: "t1", Priority: PriorityHigh, CreatedAt: base})

	got := drain(s)
	if !slices.Equal(got, []string{"t1", "t2"}) {
		t.Errorf("order = %v, want [t1 t2]", got)
	}
}

// TestScheduler_InsertionOrderOnIdenticalTimestamps verifies the final tie-break.
func TestScheduler_InsertionOrderOnIdenticalTimestamps(t *testing.T) {
	s := New()
	ts := time.Now()
	for _, id := range []string{"a", "b", "c", "d"} {
		s.Add(&Task{ID: id, Priority: PriorityMedium, CreatedAt: ts})
	}

	got := drain(s)
	if !slices.Equal(got, []string{"a", "b", "c", "d"}) {
		t.Errorf("order = %v, want insertion order", got)
	}
}

// TestScheduler_AddIdempotent verifies duplicate IDs are ignored.
func TestScheduler_AddIdempotent(t *testing.T) {
	s := New()
	first := &Task{ID: "A", Priority: PriorityLow, CreatedAt: time.Now()}
	dup := &Task{ID: "A", Priority: PriorityCritical, CreatedAt: time.Now()}

	if !s.Add(first) {
		t.Fatal("first Add should report insertion")
	}
	if s.Add(dup) {
		t.Error("duplicate Add should be a no-op")
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 task, got %d", s.Len())
	}
	if got := s.Next(); got != first {
		t.Error("expected the originally added task")
	}
}

// TestScheduler_CycleRepair verifies A<->B cycles are broken on the second add,
// regardless of insertion order.
func TestScheduler_CycleRepair(t *testing.T) {
	for _, reversed := range []bool{false, true} {
		s := New()
		a := task("A", "B")
		b := task("B", "A")

		if reversed {
			s.Add(b)
			s.Add(a)
		} else {
			s.Add(a)
			s.Add(b)
		}

		if len(a.Dependencies) != 0 || len(b.Dependencies) != 0 {
			t.Errorf("reversed=%v: expected dependencies cleared, got A=%v B=%v", reversed, a.Dependencies, b.Dependencies)
		}
		if cycles := FindCycles(s.Tasks()); len(cycles) != 0 {
			t.Errorf("reversed=%v: expected no cycles after repair, got %v", reversed, cycleIDs(cycles))
		}
		if got := drain(s); len(got) != 2 {
			t.Errorf("reversed=%v: expected both tasks to become ready, got %v", reversed, got)
		}
	}
}

// TestScheduler_CycleRepairSpansQueuedTasks verifies a new task closing a
// long cycle repairs every member but leaves the tail alone.
func TestScheduler_CycleRepairSpansQueuedTasks(t *testing.T) {
	s := New()
	tail := task("tail", "A")
	a := task("A", "B")
	b := task("B", "C")
	c := task("C", "A")

	s.Add(tail)
	s.Add(a)
	s.Add(b)
	if len(a.Dependencies) == 0 || len(b.Dependencies) == 0 {
		t.Fatal("no cycle yet, dependencies must be kept")
	}

	s.Add(c)
	for _, tk := range []*Task{a, b, c} {
		if len(tk.Dependencies) != 0 {
			t.Errorf("task %s: expected dependencies cleared, got %v", tk.ID, tk.Dependencies)
		}
	}
	if !slices.Equal(tail.Dependencies, []string{"A"}) {
		t.Errorf("tail dependencies should be untouched, got %v", tail.Dependencies)
	}
}

// TestScheduler_BlockedTasksStay verifies blocked tasks are not returned or dropped.
func TestScheduler_BlockedTasksStay(t *testing.T) {
	s := New()
	s.Add(task("page", "ref"))

	if got := s.Next(); got != nil {
		t.Fatalf("expected nil for blocked task, got %s", got.ID)
	}
	if s.Len() != 1 {
		t.Fatalf("blocked task must remain queued, len = %d", s.Len())
	}

	s.MarkCompleted("ref")
	got := s.Next()
	if got == nil || got.ID != "page" {
		t.Fatalf("expected page after completing ref, got %v", got)
	}
	if got.Status != TaskScheduled {
		t.Errorf("expected status scheduled, got %v", got.Status)
	}
}

// TestScheduler_ReadyBeforeBlocked verifies readiness outranks priority.
func TestScheduler_ReadyBeforeBlocked(t *testing.T) {
	s := New()
	base := time.Now()
	s.Add(&Task{ID: "blocked-critical", Priority: PriorityCritical, Dependencies: []string{"x"}, CreatedAt: base})
	s.Add(&Task{ID: "ready-low", Priority: PriorityLow, CreatedAt: base.Add(time.Millisecond)})

	if got := ids(s.Tasks()); !slices.Equal(got, []string{"ready-low", "blocked-critical"}) {
		t.Errorf("sorted tasks = %v", got)
	}

	s.MarkCompleted("x")
	if got := ids(s.Tasks()); !slices.Equal(got, []string{"blocked-critical", "ready-low"}) {
		t.Errorf("after completion sorted tasks = %v", got)
	}

	s.UnmarkCompleted("x")
	if s.IsReady(&Task{ID: "probe", Dependencies: []string{"x"}}) {
		t.Error("unmarked dependency should block again")
	}
	if got := ids(s.Tasks()); !slices.Equal(got, []string{"ready-low", "blocked-critical"}) {
		t.Errorf("after unmark sorted tasks = %v", got)
	}
}

// TestScheduler_NextSkipsNonPending verifies only pending tasks are candidates.
func TestScheduler_NextSkipsNonPending(t *testing.T) {
	s := New()
	s.Add(&Task{ID: "failed", Status: TaskFailed, Priority: PriorityCritical, CreatedAt: time.Now()})
	s.Add(&Task{ID: "pending", Status: TaskPending, Priority: PriorityLow, CreatedAt: time.Now()})

	if got := s.Next(); got == nil || got.ID != "pending" {
		t.Fatalf("expected pending task, got %v", got)
	}
	if got := s.Next(); got != nil {
		t.Errorf("expected nil, got %s", got.ID)
	}
	if s.Len() != 1 {
		t.Errorf("non-pending task must stay in the collection")
	}
}

// TestScheduler_Remove tests removal with both policies.
func TestScheduler_Remove(t *testing.T) {
	t.Run("keep dependents", func(t *testing.T) {
		s := New()
		s.Add(task("ref"))
		dep := task("page", "ref")
		s.Add(dep)

		if !s.Remove("ref") {
			t.Fatal("expected removal")
		}
		if s.Remove("ref") {
			t.Error("second removal should report false")
		}
		if got := s.Next(); got != nil {
			t.Errorf("dependent must stay blocked, got %s", got.ID)
		}
		if !slices.Equal(dep.Dependencies, []string{"ref"}) {
			t.Errorf("dependencies should be untouched, got %v", dep.Dependencies)
		}
	})

	t.Run("clear dependents", func(t *testing.T) {
		s := New(WithRemovalPolicy(ClearDependents))
		s.Add(task("ref"))
		dep := task("page", "ref", "other")
		s.Add(dep)

		s.Remove("ref")
		if !slices.Equal(dep.Dependencies, []string{"other"}) {
			t.Errorf("expected ref dropped, got %v", dep.Dependencies)
		}
		s.MarkCompleted("other")
		if got := s.Next(); got == nil || got.ID != "page" {
			t.Errorf("expected page to be ready, got %v", got)
		}
	})
}

// TestScheduler_Changed verifies mutations signal waiters.
func TestScheduler_Changed(t *testing.T) {
	s := New()
	// Drain any pending signal.
	select {
	case <-s.Changed():
	default:
	}

	go s.MarkCompleted("x")

	select {
	case <-s.Changed():
	case <-time.After(time.Second):
		t.Fatal("expected change notification")
	}
}

// TestScheduler_SnapshotRestore verifies a snapshot can rebuild an equivalent scheduler.
func TestScheduler_SnapshotRestore(t *testing.T) {
	s := New()
	ref := task("ref")
	s.Add(ref)
	s.Add(task("p1", "ref"))
	s.Add(task("p2", "ref"))
	s.Next() // ref in flight
	s.MarkCompleted("ref")

	tasks, completed := s.Snapshot()
	tasks = append(tasks, &Task{ID: "interrupted", Status: TaskGenerating, CreatedAt: time.Now()})
	tasks = append(tasks, &Task{ID: "finished", Status: TaskReady, CreatedAt: time.Now()})

	restored := New()
	restored.Restore(tasks, completed)

	if restored.Len() != 3 {
		t.Fatalf("expected 3 pending tasks, got %d", restored.Len())
	}
	if !restored.IsCompleted("ref") || !restored.IsCompleted("finished") {
		t.Errorf("completed set not restored: %v", restored.CompletedIDs())
	}
	got := drain(restored)
	if len(got) != 3 {
		t.Errorf("expected all restored tasks ready, got %v", got)
	}
}

// TestScheduler_ConcurrentMutations exercises the single-writer lock.
func TestScheduler_ConcurrentMutations(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	const n = 100

	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tk := NewTask(PageIllustration, Priority(i%4))
			s.Add(tk)
			s.MarkCompleted(tk.ID)
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for {
		tk := s.Next()
		if tk == nil {
			break
		}
		if seen[tk.ID] {
			t.Fatalf("task %s returned twice", tk.ID)
		}
		seen[tk.ID] = true
	}
	if len(seen) != n {
		t.Errorf("expected %d tasks, got %d", n, len(seen))
	}
	if len(s.CompletedIDs()) != n {
		t.Errorf("expected %d completed IDs, got %d", n, len(s.CompletedIDs()))
	}
}
