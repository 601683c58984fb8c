// Package orchestrator drains the task scheduler through a pool of workers
// and runs each task through the illustration pipeline.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/illustrator/internal/events"
	"github.com/aristath/illustrator/internal/scheduler"
)

// DefaultPollInterval is how long an idle worker sleeps when no change
// notification arrives.
const DefaultPollInterval = 500 * time.Millisecond

// State is the lifecycle state of a Loop.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Processor handles one task. It must leave the task in TaskReady or
// TaskFailed. A returned error or a panic counts as a failure.
type Processor interface {
	Process(ctx context.Context, task *scheduler.Task) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, task *scheduler.Task) error

func (f ProcessorFunc) Process(ctx context.Context, task *scheduler.Task) error {
	return f(ctx, task)
}

// LoopConfig configures a Loop.
type LoopConfig struct {
	Workers      int           // Concurrent tasks (default 1)
	PollInterval time.Duration // Idle wake-up fallback (default 500ms)

	// ExitWhenStalled ends the run when tasks are still pending but none
	// can ever become ready: nothing is in flight and every pending task
	// waits on a dependency that has not completed. Without it the loop
	// keeps waiting for outside completions or new tasks.
	ExitWhenStalled bool

	Bus    *events.Bus // Optional
	Logger *slog.Logger
}

// Stats counts loop outcomes.
type Stats struct {
	Processed int // Tasks handed to the processor
	Completed int // Tasks that reached TaskReady
	Failed    int // Tasks that failed, errored or panicked
	Requeued  int // Tasks interrupted by Stop and returned to the queue
	InFlight  int
}

// Loop repeatedly takes the next ready task from the scheduler and runs
// it through a Processor. It stops on its own when the queue is empty.
type Loop struct {
	sched  *scheduler.Scheduler
	cfg    LoopConfig
	locks  *scheduler.KeyLockManager
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{} // closed and replaced to wake every idle worker
	stats  Stats
	failed []*scheduler.Task
	marked map[string]struct{}
}

// NewLoop creates an idle loop over s.
func NewLoop(s *scheduler.Scheduler, cfg LoopConfig) *Loop {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		sched:  s,
		cfg:    cfg,
		locks:  scheduler.NewKeyLockManager(),
		logger: logger,
		wake:   make(chan struct{}),
		marked: make(map[string]struct{}),
	}
}

// Start launches the workers and returns true, or returns false when
// the loop is already running.
func (l *Loop) Start(ctx context.Context, p Processor) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateRunning {
		return false
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.state = StateRunning
	l.cancel = cancel
	l.done = make(chan struct{})

	go l.run(runCtx, p, l.done)
	return true
}

func (l *Loop) run(ctx context.Context, p Processor, done chan struct{}) {
	defer close(done)

	// Forward scheduler changes to every idle worker.
	fwdCtx, stopForward := context.WithCancel(ctx)
	go func() {
		for {
			select {
			case <-fwdCtx.Done():
				return
			case <-l.sched.Changed():
				l.broadcast()
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for range l.cfg.Workers {
		g.Go(func() error {
			return l.worker(gctx, p)
		})
	}
	g.Wait()
	stopForward()

	l.mu.Lock()
	if l.state == StateRunning {
		if ctx.Err() != nil {
			l.state = StateCancelled
		} else {
			l.state = StateIdle
		}
	}
	l.cancel()
	l.mu.Unlock()
	l.publishProgress()
	l.logger.Debug("processing loop finished", "state", l.State().String())
}

func (l *Loop) worker(ctx context.Context, p Processor) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		// Next is only called under l.mu, so the in-flight count and the
		// stall check see a consistent queue.
		l.mu.Lock()
		wake := l.wake
		task := l.sched.Next()
		stalled := false
		if task != nil {
			l.stats.InFlight++
		} else if l.cfg.ExitWhenStalled && l.stats.InFlight == 0 {
			stalled = l.stalled()
		}
		l.mu.Unlock()

		if task == nil {
			if l.sched.Len() == 0 {
				return nil
			}
			if stalled {
				l.logger.Warn("processing stalled on unmet dependencies", "pending", l.sched.Len())
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-wake:
			case <-time.After(l.cfg.PollInterval):
			}
			continue
		}

		l.handle(ctx, p, task)
	}
}

// stalled reports whether no pending task can become ready.
func (l *Loop) stalled() bool {
	for _, task := range l.sched.Tasks() {
		if task.Status == scheduler.TaskPending && l.sched.IsReady(task) {
			return false
		}
	}
	return true
}

func (l *Loop) handle(ctx context.Context, p Processor, task *scheduler.Task) {
	start := time.Now()
	l.cfg.Bus.Publish(events.TaskStartedEvent{
		ID:        task.ID,
		Kind:      task.Type.String(),
		Key:       task.ArtifactKey,
		Attempt:   task.AttemptCount + 1,
		Timestamp: start,
	})

	keys := []string{task.ArtifactKey}
	l.locks.LockAll(keys)
	err := runProcessor(ctx, p, task)
	l.locks.UnlockAll(keys)

	if err != nil {
		task.Status = scheduler.TaskFailed
		task.Err = err
	}
	if task.Status != scheduler.TaskReady && task.Status != scheduler.TaskFailed {
		task.Err = fmt.Errorf("processor left task in state %s", task.Status)
		task.Status = scheduler.TaskFailed
	}

	interrupted := task.Status == scheduler.TaskFailed && ctx.Err() != nil

	l.mu.Lock()
	l.stats.InFlight--
	l.stats.Processed++
	switch {
	case task.Status == scheduler.TaskReady:
		l.stats.Completed++
	case interrupted:
		l.stats.Requeued++
	default:
		l.stats.Failed++
		l.failed = append(l.failed, task)
	}
	_, alreadyMarked := l.marked[task.ID]
	if task.Status == scheduler.TaskReady {
		l.marked[task.ID] = struct{}{}
	}
	l.mu.Unlock()

	elapsed := time.Since(start)
	switch {
	case task.Status == scheduler.TaskReady:
		if !alreadyMarked {
			l.sched.MarkCompleted(task.ID)
		}
		l.logger.Info("task completed", "task_id", task.ID, "type", task.Type.String(),
			"key", task.ArtifactKey, "duration", elapsed)
		l.cfg.Bus.Publish(events.TaskCompletedEvent{
			ID:        task.ID,
			Key:       task.ArtifactKey,
			Duration:  elapsed,
			Timestamp: time.Now(),
		})
	case interrupted:
		task.Status = scheduler.TaskPending
		task.Err = nil
		l.sched.Add(task)
		l.logger.Info("task interrupted and requeued", "task_id", task.ID)
	default:
		l.logger.Warn("task failed", "task_id", task.ID, "type", task.Type.String(),
			"attempts", task.AttemptCount, "error", task.Err)
		l.cfg.Bus.Publish(events.TaskFailedEvent{
			ID:        task.ID,
			Key:       task.ArtifactKey,
			Err:       task.Err,
			Attempt:   task.AttemptCount,
			Duration:  elapsed,
			Timestamp: time.Now(),
		})
	}

	l.broadcast()
	l.publishProgress()
}

// runProcessor calls p, converting a panic into an error.
func runProcessor(ctx context.Context, p Processor, task *scheduler.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return p.Process(ctx, task)
}

func (l *Loop) broadcast() {
	l.mu.Lock()
	close(l.wake)
	l.wake = make(chan struct{})
	l.mu.Unlock()
}

func (l *Loop) publishProgress() {
	if l.cfg.Bus == nil {
		return
	}
	stats := l.Stats()
	l.cfg.Bus.Publish(events.QueueProgressEvent{
		Pending:   l.sched.Len(),
		Running:   stats.InFlight,
		Completed: stats.Completed,
		Failed:    stats.Failed,
		Timestamp: time.Now(),
	})
}

// Stop cancels the run and waits for in-flight tasks to return.
// Interrupted tasks go back to the scheduler as pending. The loop then
// rests in StateCancelled rather than StateIdle; Start accepts either.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.state != StateRunning {
		l.mu.Unlock()
		return
	}
	l.state = StateCancelled
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	cancel()
	<-done
}

// Wait blocks until the current run ends or ctx is done.
func (l *Loop) Wait(ctx context.Context) error {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether workers are active.
func (l *Loop) IsRunning() bool {
	return l.State() == StateRunning
}

// State returns the lifecycle state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Stats returns a copy of the counters.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Failed returns the tasks that ended TaskFailed. They are not re-enqueued.
func (l *Loop) Failed() []*scheduler.Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*scheduler.Task, len(l.failed))
	for i, t := range l.failed {
		out[i] = t.Clone()
	}
	return out
}
