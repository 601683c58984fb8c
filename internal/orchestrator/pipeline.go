package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aristath/illustrator/internal/artifact"
	"github.com/aristath/illustrator/internal/persistence"
	"github.com/aristath/illustrator/internal/scheduler"
	"github.com/aristath/illustrator/internal/story"
)

// ErrReferenceUnavailable is recorded on a page task whose story
// reference image is in neither artifact tier.
var ErrReferenceUnavailable = errors.New("reference image unavailable")

// Generator produces image bytes for a prompt and optional reference.
type Generator interface {
	Generate(ctx context.Context, prompt string, reference []byte) ([]byte, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string, reference []byte) ([]byte, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string, reference []byte) ([]byte, error) {
	return f(ctx, prompt, reference)
}

// PipelineConfig wires the collaborators of a Pipeline.
type PipelineConfig struct {
	Generator Generator
	Cache     artifact.Store // Evictable tier
	Durable   artifact.Store // Durable tier for page illustrations
	Store     persistence.Store
	Logger    *slog.Logger
}

// Pipeline is the Processor that generates and stores illustrations.
// Reference images go to the evictable cache. Page illustrations go to
// both tiers.
type Pipeline struct {
	cfg    PipelineConfig
	logger *slog.Logger
}

// NewPipeline creates a pipeline. Store may be nil.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, logger: logger}
}

// Process runs one task. Generation failures are recorded on the task,
// not returned.
func (p *Pipeline) Process(ctx context.Context, task *scheduler.Task) error {
	task.AttemptCount++
	task.Status = scheduler.TaskGenerating
	task.Err = nil
	p.record(ctx, task)

	var err error
	switch task.Type {
	case scheduler.GlobalReference:
		err = p.generateReference(ctx, task)
	case scheduler.PageIllustration:
		err = p.generatePage(ctx, task)
	default:
		err = fmt.Errorf("unknown task type %d", task.Type)
	}

	if err != nil {
		task.Status = scheduler.TaskFailed
		task.Err = err
	} else {
		task.Status = scheduler.TaskReady
	}
	p.record(ctx, task)
	return nil
}

func (p *Pipeline) generateReference(ctx context.Context, task *scheduler.Task) error {
	img, err := p.cfg.Generator.Generate(ctx, task.Prompt, nil)
	if err != nil {
		return err
	}
	p.cfg.Cache.Put(task.ArtifactKey, img)
	return nil
}

func (p *Pipeline) generatePage(ctx context.Context, task *scheduler.Task) error {
	refKey := story.ReferenceKey(task.StoryID)
	ref, ok := p.cfg.Cache.Get(refKey)
	if !ok {
		ref, ok = p.cfg.Durable.Get(refKey)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrReferenceUnavailable, refKey)
	}

	img, err := p.cfg.Generator.Generate(ctx, task.Prompt, ref)
	if err != nil {
		return err
	}
	p.cfg.Durable.Put(task.ArtifactKey, img)
	p.cfg.Cache.Put(task.ArtifactKey, img)
	return nil
}

// record mirrors the task's state into the persistence store. Failures
// are logged and otherwise ignored.
func (p *Pipeline) record(ctx context.Context, task *scheduler.Task) {
	if p.cfg.Store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	err := p.cfg.Store.UpdateTaskStatus(ctx, task.ID, task.Status, task.AttemptCount, task.Err)
	if errors.Is(err, persistence.ErrNotFound) {
		err = p.cfg.Store.SaveTask(ctx, task)
	}
	if err != nil {
		p.logger.Warn("failed to record task status", "task_id", task.ID, "status", task.Status.String(), "error", err)
	}
}
