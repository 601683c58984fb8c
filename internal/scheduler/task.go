package scheduler

import (
	"time"

	"github.com/google/uuid"
)

// TaskType distinguishes the shared reference image from per-page work.
type TaskType int

const (
	GlobalReference  TaskType = iota // Shared character/style reference image
	PageIllustration                 // One story page
)

func (t TaskType) String() string {
	switch t {
	case GlobalReference:
		return "global-reference"
	case PageIllustration:
		return "page-illustration"
	}
	return "unknown"
}

// Priority orders tasks; lower values are scheduled first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// ParsePriority maps a priority name to its value. Unknown names fall back to medium.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	}
	return PriorityMedium
}

// TaskStatus represents the current state of a task.
type TaskStatus int

const (
	TaskPending    TaskStatus = iota // Waiting in the scheduler; the only schedulable state
	TaskScheduled                    // Handed out by Next, not yet started
	TaskGenerating                   // Processor is running
	TaskReady                        // Artifact generated and stored
	TaskFailed                       // Generation failed after retries
)

func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskScheduled:
		return "scheduled"
	case TaskGenerating:
		return "generating"
	case TaskReady:
		return "ready"
	case TaskFailed:
		return "failed"
	}
	return "unknown"
}

// Task represents one illustration-generation job.
type Task struct {
	ID           string     // Unique identifier, immutable
	Type         TaskType   // Reference or page task
	Priority     Priority   // Scheduling priority
	Dependencies []string   // Task IDs that must complete first; empty means eligible
	Status       TaskStatus // Lifecycle state
	CreatedAt    time.Time  // FIFO tie-break, older first
	AttemptCount int        // Incremented by the processor on each try

	StoryID     string // Story the task belongs to
	PageIndex   int    // Zero-based page number; -1 for reference tasks
	Prompt      string // Opaque prompt produced by the prompt builder
	ArtifactKey string // Cache key the generated image is stored under
	Err         error  // Last failure, set when Status is TaskFailed
}

// NewTask creates a pending task with a fresh ID and creation timestamp.
func NewTask(taskType TaskType, priority Priority, deps ...string) *Task {
	return &Task{
		ID:           uuid.NewString(),
		Type:         taskType,
		Priority:     priority,
		Dependencies: deps,
		Status:       TaskPending,
		CreatedAt:    time.Now(),
		PageIndex:    -1,
	}
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	return cloneTask(t)
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.Dependencies != nil {
		cp.Dependencies = append([]string(nil), task.Dependencies...)
	}
	return &cp
}
