package events

import (
	"time"
)

// Event is implemented by everything published on the bus.
type Event interface {
	Topic() string
	EventType() string
	TaskID() string
}

// Topics
const (
	TopicTask  = "task"
	TopicQueue = "queue"
	TopicCache = "cache"
)

// Event types
const (
	EventTypeTaskQueued       = "task.queued"
	EventTypeTaskStarted      = "task.started"
	EventTypeTaskCompleted    = "task.completed"
	EventTypeTaskFailed       = "task.failed"
	EventTypeQueueProgress    = "queue.progress"
	EventTypeCacheMaintenance = "cache.maintenance"
)

// TaskQueuedEvent is published when a task enters the scheduler.
type TaskQueuedEvent struct {
	ID        string
	Kind      string
	Priority  string
	Key       string
	Timestamp time.Time
}

func (e TaskQueuedEvent) Topic() string     { return TopicTask }
func (e TaskQueuedEvent) EventType() string { return EventTypeTaskQueued }
func (e TaskQueuedEvent) TaskID() string    { return e.ID }

// TaskStartedEvent is published when a worker picks up a task.
type TaskStartedEvent struct {
	ID        string
	Kind      string
	Key       string
	Attempt   int
	Timestamp time.Time
}

func (e TaskStartedEvent) Topic() string     { return TopicTask }
func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task's artifact is ready.
type TaskCompletedEvent struct {
	ID        string
	Key       string
	Bytes     int
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) Topic() string     { return TopicTask }
func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task ends Failed.
type TaskFailedEvent struct {
	ID        string
	Key       string
	Err       error
	Attempt   int
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) Topic() string     { return TopicTask }
func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// QueueProgressEvent is published whenever queue counts change.
type QueueProgressEvent struct {
	Pending   int
	Running   int
	Completed int
	Failed    int
	Timestamp time.Time
}

func (e QueueProgressEvent) Topic() string     { return TopicQueue }
func (e QueueProgressEvent) EventType() string { return EventTypeQueueProgress }
func (e QueueProgressEvent) TaskID() string    { return "" }

// Total returns the number of tasks the queue has seen.
func (e QueueProgressEvent) Total() int {
	return e.Pending + e.Running + e.Completed + e.Failed
}

// CacheMaintenanceEvent is published after an evictable-cache
// maintenance pass.
type CacheMaintenanceEvent struct {
	Expired    int
	Trimmed    int
	BytesFreed int64
	DiskBytes  int64
	DiskFiles  int
	Timestamp  time.Time
}

func (e CacheMaintenanceEvent) Topic() string     { return TopicCache }
func (e CacheMaintenanceEvent) EventType() string { return EventTypeCacheMaintenance }
func (e CacheMaintenanceEvent) TaskID() string    { return "" }
