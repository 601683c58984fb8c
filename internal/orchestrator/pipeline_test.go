package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/aristath/illustrator/internal/artifact"
	"github.com/aristath/illustrator/internal/persistence"
	"github.com/aristath/illustrator/internal/scheduler"
	"github.com/aristath/illustrator/internal/story"
)

type generateCall struct {
	prompt    string
	reference []byte
}

// fakeGenerator returns "img:<prompt>" unless the prompt is listed in fail.
type fakeGenerator struct {
	mu    sync.Mutex
	calls []generateCall
	fail  map[string]error
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt string, reference []byte) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, generateCall{prompt: prompt, reference: slices.Clone(reference)})
	if err := g.fail[prompt]; err != nil {
		return nil, err
	}
	return []byte("img:" + prompt), nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type testStores struct {
	cache   *artifact.Cache
	durable *artifact.Durable
}

func newTestStores(t *testing.T) testStores {
	t.Helper()
	cache, err := artifact.NewCache(artifact.CacheConfig{Dir: t.TempDir(), Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	t.Cleanup(cache.Close)
	durable, err := artifact.NewDurable(artifact.DurableConfig{Dir: t.TempDir(), Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewDurable: %v", err)
	}
	t.Cleanup(durable.Close)
	return testStores{cache: cache, durable: durable}
}

func newTestPipeline(gen Generator, st testStores, store persistence.Store) *Pipeline {
	return NewPipeline(PipelineConfig{
		Generator: gen,
		Cache:     st.cache,
		Durable:   st.durable,
		Store:     store,
		Logger:    quietLogger(),
	})
}

func referenceTask(storyID string) *scheduler.Task {
	task := scheduler.NewTask(scheduler.GlobalReference, scheduler.PriorityHigh)
	task.StoryID = storyID
	task.Prompt = "sheet"
	task.ArtifactKey = story.ReferenceKey(storyID)
	return task
}

func pageTask(storyID string, page int, deps ...string) *scheduler.Task {
	task := scheduler.NewTask(scheduler.PageIllustration, scheduler.PriorityMedium, deps...)
	task.StoryID = storyID
	task.PageIndex = page
	task.Prompt = "page " + string(rune('0'+page))
	task.ArtifactKey = story.PageKey(storyID, page)
	return task
}

func TestPipeline_ReferenceGoesToCacheOnly(t *testing.T) {
	gen := &fakeGenerator{}
	st := newTestStores(t)
	p := newTestPipeline(gen, st, nil)

	task := referenceTask("fox")
	if err := p.Process(context.Background(), task); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if task.Status != scheduler.TaskReady || task.Err != nil {
		t.Fatalf("expected ready, got %s / %v", task.Status, task.Err)
	}
	if task.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", task.AttemptCount)
	}
	if gen.calls[0].reference != nil {
		t.Error("reference generation must not receive a reference image")
	}
	if got, ok := st.cache.Get("fox/reference"); !ok || string(got) != "img:sheet" {
		t.Errorf("cache reference = %q, %v", got, ok)
	}
	if _, ok := st.durable.Get("fox/reference"); ok {
		t.Error("reference must not be written to the durable store")
	}
}

func TestPipeline_PageUsesReferenceAndWritesBothTiers(t *testing.T) {
	gen := &fakeGenerator{}
	st := newTestStores(t)
	st.cache.Put("fox/reference", []byte("REF"))
	p := newTestPipeline(gen, st, nil)

	task := pageTask("fox", 2)
	p.Process(context.Background(), task)

	if task.Status != scheduler.TaskReady {
		t.Fatalf("expected ready, got %s / %v", task.Status, task.Err)
	}
	if !bytes.Equal(gen.calls[0].reference, []byte("REF")) {
		t.Errorf("reference passed = %q", gen.calls[0].reference)
	}
	for name, s := range map[string]artifact.Store{"cache": st.cache, "durable": st.durable} {
		if got, ok := s.Get("fox/page-2"); !ok || string(got) != "img:page 2" {
			t.Errorf("%s page = %q, %v", name, got, ok)
		}
	}
}

func TestPipeline_PageFallsBackToDurableReference(t *testing.T) {
	gen := &fakeGenerator{}
	st := newTestStores(t)
	st.durable.Put("fox/reference", []byte("OLD"))
	p := newTestPipeline(gen, st, nil)

	task := pageTask("fox", 0)
	p.Process(context.Background(), task)

	if task.Status != scheduler.TaskReady {
		t.Fatalf("expected ready, got %s / %v", task.Status, task.Err)
	}
	if !bytes.Equal(gen.calls[0].reference, []byte("OLD")) {
		t.Errorf("reference passed = %q", gen.calls[0].reference)
	}
}

func TestPipeline_MissingReferenceFailsWithoutGenerating(t *testing.T) {
	gen := &fakeGenerator{}
	st := newTestStores(t)
	p := newTestPipeline(gen, st, nil)

	task := pageTask("fox", 0)
	if err := p.Process(context.Background(), task); err != nil {
		t.Fatalf("Process should record failures on the task, got %v", err)
	}
	if task.Status != scheduler.TaskFailed || !errors.Is(task.Err, ErrReferenceUnavailable) {
		t.Errorf("expected ErrReferenceUnavailable, got %s / %v", task.Status, task.Err)
	}
	if gen.callCount() != 0 {
		t.Errorf("generator called %d times", gen.callCount())
	}
}

func TestPipeline_GenerationErrorMarksFailed(t *testing.T) {
	boom := errors.New("backend exploded")
	gen := &fakeGenerator{fail: map[string]error{"sheet": boom}}
	st := newTestStores(t)
	p := newTestPipeline(gen, st, nil)

	task := referenceTask("fox")
	p.Process(context.Background(), task)

	if task.Status != scheduler.TaskFailed || !errors.Is(task.Err, boom) {
		t.Errorf("expected failure with backend error, got %s / %v", task.Status, task.Err)
	}
	if _, ok := st.cache.Get("fox/reference"); ok {
		t.Error("nothing should be cached on failure")
	}

	// A retry clears the previous error and counts another attempt.
	gen.fail = nil
	p.Process(context.Background(), task)
	if task.Status != scheduler.TaskReady || task.Err != nil || task.AttemptCount != 2 {
		t.Errorf("retry: %s / %v / attempts %d", task.Status, task.Err, task.AttemptCount)
	}
}

func TestPipeline_RecordsStatus(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.NewMemoryStore(ctx)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	defer store.Close()

	gen := &fakeGenerator{fail: map[string]error{"sheet": errors.New("nope")}}
	p := newTestPipeline(gen, newTestStores(t), store)

	task := referenceTask("fox")
	p.Process(ctx, task)

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != scheduler.TaskFailed || got.AttemptCount != 1 {
		t.Errorf("stored %s / attempts %d", got.Status, got.AttemptCount)
	}
	if got.Err == nil || got.Err.Error() != "nope" {
		t.Errorf("stored error = %v", got.Err)
	}
}

func TestPipeline_StoryEndToEnd(t *testing.T) {
	m, err := story.Load("../story/testdata/fox.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	tasks, err := story.BuildTasks(m, story.DefaultBuilder())
	if err != nil {
		t.Fatalf("BuildTasks: %v", err)
	}

	s := scheduler.New(scheduler.WithLogger(quietLogger()))
	for _, task := range tasks {
		s.Add(task)
	}

	gen := &fakeGenerator{}
	st := newTestStores(t)
	l := newTestLoop(s, LoopConfig{Workers: 2, ExitWhenStalled: true})
	l.Start(context.Background(), newTestPipeline(gen, st, nil))
	waitLoop(t, l)

	if got := len(s.CompletedIDs()); got != len(tasks) {
		t.Fatalf("completed %d of %d tasks (failed: %d)", got, len(tasks), len(l.Failed()))
	}
	if gen.calls[0].reference != nil {
		t.Error("the reference sheet must be generated first")
	}
	for i := range m.Pages {
		if _, ok := st.durable.Get(story.PageKey(m.ID, i)); !ok {
			t.Errorf("page %d missing from durable store", i)
		}
	}
	if keys := st.durable.Keys(); len(keys) != len(m.Pages) {
		t.Errorf("durable keys = %v", keys)
	}
}

func TestPipeline_InterruptedGenerationIsRequeued(t *testing.T) {
	s := scheduler.New(scheduler.WithLogger(quietLogger()))
	s.Add(referenceTask("fox"))

	started := make(chan struct{})
	gen := GeneratorFunc(func(ctx context.Context, prompt string, reference []byte) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	l := newTestLoop(s, LoopConfig{})
	l.Start(context.Background(), newTestPipeline(gen, newTestStores(t), nil))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("generation never started")
	}
	l.Stop()

	if s.Len() != 1 || len(l.Failed()) != 0 {
		t.Errorf("pending = %d, failed = %d", s.Len(), len(l.Failed()))
	}
}
