package story

import (
	"fmt"
	"time"

	"github.com/aristath/illustrator/internal/scheduler"
)

// BuildTasks returns one reference task followed by one task per page.
// Every page depends on the reference task. Creation times increase in
// that order so ties on priority resolve reference first, then by page.
func BuildTasks(m *Manifest, b PromptBuilder) ([]*scheduler.Task, error) {
	refPrompt, err := b.ReferencePrompt(m)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	ref := scheduler.NewTask(scheduler.GlobalReference, priorityOr(m.ReferencePriority, scheduler.PriorityHigh))
	ref.CreatedAt = now
	ref.StoryID = m.ID
	ref.Prompt = refPrompt
	ref.ArtifactKey = ReferenceKey(m.ID)

	tasks := []*scheduler.Task{ref}
	pageDefault := priorityOr(m.PagePriority, scheduler.PriorityMedium)
	for i, p := range m.Pages {
		prompt, err := b.PagePrompt(m, i)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		task := scheduler.NewTask(scheduler.PageIllustration, priorityOr(p.Priority, pageDefault), ref.ID)
		task.CreatedAt = now.Add(time.Duration(i+1) * time.Microsecond)
		task.StoryID = m.ID
		task.PageIndex = i
		task.Prompt = prompt
		task.ArtifactKey = PageKey(m.ID, i)
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func priorityOr(name string, def scheduler.Priority) scheduler.Priority {
	if name == "" {
		return def
	}
	return scheduler.ParsePriority(name)
}
