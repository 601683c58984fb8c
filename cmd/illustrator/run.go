package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/illustrator/internal/backend"
	"github.com/aristath/illustrator/internal/events"
	"github.com/aristath/illustrator/internal/orchestrator"
	"github.com/aristath/illustrator/internal/persistence"
	"github.com/aristath/illustrator/internal/scheduler"
	"github.com/aristath/illustrator/internal/story"
	"github.com/aristath/illustrator/internal/tui"
)

type runOptions struct {
	workers int
	tui     bool
}

func newRunCmd(g *globalOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <story.yaml>",
		Short: "Generate every missing illustration of a story",
		Long: `Run restores any saved queue, enqueues the story's reference sheet and the
pages that have no stored illustration, and processes the queue until it is
empty, blocked on failed work, or interrupted. The queue is saved on exit so
an interrupted run resumes where it stopped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStory(cmd.Context(), g, opts, args[0], cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", 0, "concurrent generations (overrides loop.workers)")
	cmd.Flags().BoolVar(&opts.tui, "tui", false, "show live progress in a terminal UI")
	return cmd
}

func runStory(ctx context.Context, g *globalOptions, opts *runOptions, path string, out io.Writer) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	if opts.workers > 0 {
		cfg.Loop.Workers = opts.workers
	}

	m, err := story.Load(path)
	if err != nil {
		return err
	}

	logOut := g.stderr
	if opts.tui {
		// The terminal belongs to the UI; logs go to a file beside the state.
		logPath := filepath.Join(filepath.Dir(cfg.Database.Path), "illustrator.log")
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}
	logger := g.logger(logOut)

	bus := events.NewBus()
	defer bus.Close()

	cache, durable, err := openArtifacts(cfg, logger, bus)
	if err != nil {
		return err
	}
	defer cache.Close()
	defer durable.Close()

	store, err := persistence.NewSQLiteStore(ctx, cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	restored, completed, err := persistence.LoadSnapshot(ctx, store)
	if err != nil {
		return fmt.Errorf("loading saved queue: %w", err)
	}

	illustrated := make(map[string]bool)
	for _, key := range durable.Keys() {
		illustrated[key] = true
	}
	_, haveReference := cache.Get(story.ReferenceKey(m.ID))
	if !haveReference {
		_, haveReference = durable.Get(story.ReferenceKey(m.ID))
	}
	fresh, err := planStory(m, restored, illustrated, haveReference)
	if err != nil {
		return err
	}

	pm := backend.NewProcessManager()
	gen, err := newGenerator(cfg.Generation, pm, logger)
	if err != nil {
		return err
	}
	defer gen.Close()

	var program *tea.Program
	tuiDone := make(chan error, 1)
	if opts.tui {
		program = tea.NewProgram(tui.New(bus, m.Title), tea.WithAltScreen())
		go func() {
			_, err := program.Run()
			tuiDone <- err
		}()
	}

	sched := scheduler.New(scheduler.WithLogger(logger))
	sched.Restore(restored, completed)
	for _, task := range fresh {
		sched.Add(task)
		bus.Publish(events.TaskQueuedEvent{
			ID:        task.ID,
			Kind:      task.Type.String(),
			Priority:  task.Priority.String(),
			Key:       task.ArtifactKey,
			Timestamp: time.Now(),
		})
	}
	logger.Info("queue ready", "story", m.ID, "restored", len(restored), "enqueued", len(fresh))

	loop := orchestrator.NewLoop(sched, orchestrator.LoopConfig{
		Workers:         cfg.Loop.Workers,
		PollInterval:    cfg.Loop.PollInterval.Std(),
		ExitWhenStalled: true,
		Bus:             bus,
		Logger:          logger,
	})
	pipeline := orchestrator.NewPipeline(orchestrator.PipelineConfig{
		Generator: gen,
		Cache:     cache,
		Durable:   durable,
		Store:     store,
		Logger:    logger,
	})

	start := time.Now()
	loop.Start(ctx, pipeline)

	loopDone := make(chan struct{})
	go func() {
		loop.Wait(context.Background())
		close(loopDone)
	}()

	interrupted := false
	tuiExited := false
	select {
	case <-loopDone:
	case <-ctx.Done():
		interrupted = true
	case err := <-tuiDone:
		tuiExited = true
		interrupted = true
		if err != nil {
			logger.Warn("terminal UI exited with error", "error", err)
		}
	}

	if interrupted {
		logger.Info("stopping", "in_flight", loop.Stats().InFlight)
		if err := pm.KillAll(); err != nil {
			logger.Warn("failed to kill generator processes", "error", err)
		}
	}
	loop.Stop()

	// Failed tasks are saved with the queue so the next run retries them.
	pending, done := sched.Snapshot()
	failed := loop.Failed()
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := store.SaveSnapshot(saveCtx, append(pending, failed...), done); err != nil {
		logger.Warn("failed to save queue", "error", err)
	}
	cache.Flush()
	durable.Flush()

	bus.Close()
	if program != nil && !tuiExited {
		if interrupted {
			program.Quit()
		}
		// After a finished run the UI stays up until the user quits.
		var timeout <-chan time.Time
		if interrupted {
			timeout = time.After(10 * time.Second)
		}
		select {
		case err := <-tuiDone:
			if err != nil {
				logger.Warn("terminal UI exited with error", "error", err)
			}
		case <-timeout:
			program.Kill()
		case <-ctx.Done():
			if !interrupted {
				program.Kill()
			}
		}
	}

	writeSummary(out, summary{
		Title:    m.Title,
		Stats:    loop.Stats(),
		Failed:   failed,
		Blocked:  pending,
		Elapsed:  time.Since(start),
		Durable:  durable.Stats(),
		Restored: len(restored),
	})

	switch {
	case interrupted:
		return errInterrupted
	case len(failed) > 0:
		return fmt.Errorf("%d task(s) failed", len(failed))
	}
	return nil
}

// planStory returns the tasks to enqueue for m. Nothing is enqueued when
// the restored queue already holds tasks of the story. Pages whose
// illustration is stored are skipped. When a reference image already
// exists, pages are enqueued without the reference task.
func planStory(m *story.Manifest, restored []*scheduler.Task, illustrated map[string]bool, haveReference bool) ([]*scheduler.Task, error) {
	for _, task := range restored {
		if task.StoryID == m.ID {
			return nil, nil
		}
	}

	tasks, err := story.BuildTasks(m, story.DefaultBuilder())
	if err != nil {
		return nil, err
	}
	ref, pages := tasks[0], tasks[1:]

	var missing []*scheduler.Task
	for _, page := range pages {
		if !illustrated[page.ArtifactKey] {
			missing = append(missing, page)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}

	if haveReference {
		for _, page := range missing {
			page.Dependencies = nil
		}
		return missing, nil
	}
	return append([]*scheduler.Task{ref}, missing...), nil
}
