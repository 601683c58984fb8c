package scheduler

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
)

// RemovalPolicy decides what happens to tasks that depend on a removed task.
type RemovalPolicy int

const (
	// KeepDependents leaves dependents untouched. A dependent whose
	// dependency was removed without completing stays blocked until the
	// caller marks that ID completed or clears its dependencies.
	KeepDependents RemovalPolicy = iota
	// ClearDependents drops the removed ID from every pending task's
	// dependency list.
	ClearDependents
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRemovalPolicy sets the policy applied by Remove.
func WithRemovalPolicy(p RemovalPolicy) Option {
	return func(s *Scheduler) { s.policy = p }
}

// WithLogger sets the logger used for cycle-repair warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// Scheduler holds the pending task collection and the set of completed
// task IDs. The collection is kept sorted at all times: ready tasks before
// blocked ones, then by priority, then oldest first. Every mutation takes
// the same lock, so callers on any goroutine see a consistent order.
//
// The scheduler takes ownership of added tasks: Next hands the same
// pointer back to the caller.
type Scheduler struct {
	mu        sync.Mutex
	tasks     []*Task
	seq       map[string]uint64 // insertion order, final tie-break
	nextSeq   uint64
	completed map[string]struct{}
	changed   chan struct{}
	policy    RemovalPolicy
	logger    *slog.Logger
}

// New creates an empty Scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		seq:       make(map[string]uint64),
		completed: make(map[string]struct{}),
		changed:   make(chan struct{}, 1),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add inserts a task. Adding an ID that is already pending is a no-op and
// returns false.
//
// After insertion the whole collection is checked for cycles, since one new
// task can close a loop through several queued ones. Every task on a cycle
// has its dependencies cleared so the queue can drain. Such a task may then
// run before the work it was meant to wait for.
func (s *Scheduler) Add(task *Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.seq[task.ID]; exists {
		return false
	}

	s.tasks = append(s.tasks, task)
	s.seq[task.ID] = s.nextSeq
	s.nextSeq++

	s.repairCycles()
	s.sortLocked()
	s.notify()
	return true
}

// Remove deletes a pending task by ID and reports whether it was present.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.IndexFunc(s.tasks, func(t *Task) bool { return t.ID == id })
	if idx < 0 {
		return false
	}

	s.tasks = slices.Delete(s.tasks, idx, idx+1)
	delete(s.seq, id)

	if s.policy == ClearDependents {
		for _, task := range s.tasks {
			if slices.Contains(task.Dependencies, id) {
				task.Dependencies = slices.DeleteFunc(task.Dependencies, func(dep string) bool { return dep == id })
			}
		}
	}

	s.sortLocked()
	s.notify()
	return true
}

// MarkCompleted records id as a satisfied dependency.
func (s *Scheduler) MarkCompleted(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.completed[id] = struct{}{}
	s.sortLocked()
	s.notify()
}

// UnmarkCompleted reopens a dependency, blocking tasks that wait on id again.
func (s *Scheduler) UnmarkCompleted(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.completed, id)
	s.sortLocked()
	s.notify()
}

// IsReady reports whether task's dependencies are all completed.
func (s *Scheduler) IsReady(task *Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return IsReady(task, s.completed)
}

// IsCompleted reports whether id is in the completed set.
func (s *Scheduler) IsCompleted(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.completed[id]
	return ok
}

// Next removes and returns the first pending, ready task in sort order.
// Returns nil when nothing is ready; callers poll or wait on Changed.
func (s *Scheduler) Next() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, task := range s.tasks {
		if task.Status != TaskPending || !IsReady(task, s.completed) {
			continue
		}
		s.tasks = slices.Delete(s.tasks, i, i+1)
		delete(s.seq, task.ID)
		task.Status = TaskScheduled
		return task
	}
	return nil
}

// Len returns the number of tasks in the collection, ready or not.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Tasks returns copies of the pending tasks in scheduling order.
func (s *Scheduler) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, cloneTask(task))
	}
	return out
}

// CompletedIDs returns the completed set as a sorted slice.
func (s *Scheduler) CompletedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.completed))
	for id := range s.completed {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Changed returns a channel that receives a value after any mutation.
// Sends are coalesced, so a receiver must re-check state after waking.
func (s *Scheduler) Changed() <-chan struct{} {
	return s.changed
}

// Snapshot returns copies of the pending tasks and the completed IDs, for
// persisting the queue across restarts.
func (s *Scheduler) Snapshot() ([]*Task, []string) {
	return s.Tasks(), s.CompletedIDs()
}

// Restore loads a previously saved snapshot. Tasks that were in flight or
// failed when the snapshot was taken are queued again as pending; tasks
// that had already finished are recorded as completed instead.
func (s *Scheduler) Restore(tasks []*Task, completed []string) {
	for _, id := range completed {
		s.MarkCompleted(id)
	}
	for _, task := range tasks {
		if task.Status == TaskReady {
			s.MarkCompleted(task.ID)
			continue
		}
		task.Status = TaskPending
		task.Err = nil
		s.Add(task)
	}
}

// repairCycles clears the dependencies of every task on a cycle.
func (s *Scheduler) repairCycles() {
	cycles := FindCycles(s.tasks)
	if len(cycles) == 0 {
		return
	}

	for _, task := range s.tasks {
		if _, ok := cycles[task.ID]; ok {
			s.logger.Warn("dependency cycle repaired by clearing dependencies",
				"task_id", task.ID, "dropped", task.Dependencies)
			task.Dependencies = nil
		}
	}
}

func (s *Scheduler) sortLocked() {
	ready := make(map[string]bool, len(s.tasks))
	for _, task := range s.tasks {
		ready[task.ID] = IsReady(task, s.completed)
	}

	slices.SortStableFunc(s.tasks, func(a, b *Task) int {
		if ready[a.ID] != ready[b.ID] {
			if ready[a.ID] {
				return -1
			}
			return 1
		}
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(s.seq[a.ID], s.seq[b.ID])
	})
}

func (s *Scheduler) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}
