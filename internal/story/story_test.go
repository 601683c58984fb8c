package story

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/illustrator/internal/scheduler"
)

func loadFox(t *testing.T) *Manifest {
	t.Helper()
	m, err := Load(filepath.Join("testdata", "fox.yaml"))
	require.NoError(t, err)
	return m
}

func TestLoad(t *testing.T) {
	m := loadFox(t)

	assert.Equal(t, "fox-and-moon", m.ID)
	assert.Equal(t, "The Fox and the Moon", m.Title)
	require.Len(t, m.Characters, 2)
	assert.Equal(t, "Fern", m.Characters[0].Name)
	assert.Equal(t, []string{"Fern", "Moon", "lantern", "pine trees"}, m.Elements)
	require.Len(t, m.Pages, 3)
	assert.Equal(t, "critical", m.Pages[2].Priority)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{name: "empty", yaml: "", want: "empty manifest"},
		{name: "unknown field", yaml: "id: a\ncolour: red\npages: [{text: x}]", want: "colour"},
		{name: "no id", yaml: "pages: [{text: x}]", want: "id is required"},
		{name: "slash in id", yaml: "id: a/b\npages: [{text: x}]", want: "must not contain"},
		{name: "no pages", yaml: "id: a", want: "at least one page"},
		{name: "blank page", yaml: "id: a\npages: [{text: ' '}]", want: "page 0"},
		{name: "bad priority", yaml: "id: a\npages: [{text: x, priority: urgent}]", want: "urgent"},
		{name: "bad reference priority", yaml: "id: a\nreference_priority: asap\npages: [{text: x}]", want: "asap"},
		{name: "not yaml", yaml: "id: [unterminated", want: "parsing manifest"},
		{name: "long id", yaml: "id: " + strings.Repeat("a", MaxIDLength+1) + "\npages: [{text: x}]", want: "limit is 128"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "s1/", Prefix("s1"))
	assert.Equal(t, "s1/reference", ReferenceKey("s1"))
	assert.Equal(t, "s1/page-12", PageKey("s1", 12))
}

func TestDefaultBuilder(t *testing.T) {
	m := loadFox(t)
	b := DefaultBuilder()

	ref, err := b.ReferencePrompt(m)
	require.NoError(t, err)
	assert.Contains(t, ref, `"The Fox and the Moon"`)
	assert.Contains(t, ref, "- Fern: a small red fox with a white-tipped tail")
	assert.Contains(t, ref, "Recurring elements: Fern, Moon, lantern, pine trees.")

	page, err := b.PagePrompt(m, 0)
	require.NoError(t, err)
	assert.Contains(t, page, "page 1 of")
	assert.Contains(t, page, "Scene: A den under pine trees at night.")
	assert.Contains(t, page, "Text: Fern could not sleep.")
	assert.Contains(t, page, "Show, in order of importance: Fern, pine trees.")

	page, err = b.PagePrompt(m, 1)
	require.NoError(t, err)
	assert.NotContains(t, page, "Scene:")
	assert.Contains(t, page, "Show, in order of importance: Fern, Moon, owl.")

	_, err = b.PagePrompt(m, 3)
	assert.Error(t, err)
}

func TestNewTemplateBuilder(t *testing.T) {
	b, err := NewTemplateBuilder("ref {{.Story.ID}}", "page {{.Number}}/{{len .Story.Pages}}")
	require.NoError(t, err)

	m := loadFox(t)
	ref, err := b.ReferencePrompt(m)
	require.NoError(t, err)
	assert.Equal(t, "ref fox-and-moon", ref)

	page, err := b.PagePrompt(m, 2)
	require.NoError(t, err)
	assert.Equal(t, "page 3/3", page)

	_, err = NewTemplateBuilder("{{.Broken", "")
	assert.Error(t, err)

	bad, err := NewTemplateBuilder("{{.Nope}}", "x")
	require.NoError(t, err)
	_, err = bad.ReferencePrompt(m)
	assert.Error(t, err)
}

func TestOrderElements(t *testing.T) {
	story := []string{"a", "b", "c"}
	assert.Equal(t, []string{"a", "c"}, orderElements(story, []string{"c", "a"}))
	assert.Equal(t, []string{"b", "x", "y"}, orderElements(story, []string{"x", "b", "y"}))
	assert.Empty(t, orderElements(story, nil))
}

func TestBuildTasks(t *testing.T) {
	m := loadFox(t)
	tasks, err := BuildTasks(m, DefaultBuilder())
	require.NoError(t, err)
	require.Len(t, tasks, 4)

	ref := tasks[0]
	assert.Equal(t, scheduler.GlobalReference, ref.Type)
	assert.Equal(t, scheduler.PriorityHigh, ref.Priority)
	assert.Empty(t, ref.Dependencies)
	assert.Equal(t, "fox-and-moon/reference", ref.ArtifactKey)
	assert.Equal(t, -1, ref.PageIndex)
	assert.NotEmpty(t, ref.Prompt)

	for i, task := range tasks[1:] {
		assert.Equal(t, scheduler.PageIllustration, task.Type)
		assert.Equal(t, []string{ref.ID}, task.Dependencies)
		assert.Equal(t, i, task.PageIndex)
		assert.Equal(t, PageKey("fox-and-moon", i), task.ArtifactKey)
		assert.Equal(t, "fox-and-moon", task.StoryID)
		assert.True(t, task.CreatedAt.After(tasks[i].CreatedAt), "creation times increase")
		assert.Equal(t, scheduler.TaskPending, task.Status)
	}
	assert.Equal(t, scheduler.PriorityMedium, tasks[1].Priority)
	assert.Equal(t, scheduler.PriorityCritical, tasks[3].Priority, "page override")

	ids := map[string]bool{}
	for _, task := range tasks {
		ids[task.ID] = true
	}
	assert.Len(t, ids, 4, "IDs are unique")
}

func TestBuildTasks_SchedulesReferenceFirst(t *testing.T) {
	m := loadFox(t)
	tasks, err := BuildTasks(m, DefaultBuilder())
	require.NoError(t, err)

	s := scheduler.New()
	for _, task := range tasks {
		s.Add(task)
	}

	first := s.Next()
	require.NotNil(t, first)
	assert.Equal(t, scheduler.GlobalReference, first.Type)
	assert.Nil(t, s.Next(), "pages wait for the reference")

	s.MarkCompleted(first.ID)
	var pages []int
	for next := s.Next(); next != nil; next = s.Next() {
		pages = append(pages, next.PageIndex)
	}
	assert.Equal(t, []int{2, 0, 1}, pages, "critical page first, then creation order")
}

type failingBuilder struct{ page int }

func (f failingBuilder) ReferencePrompt(*Manifest) (string, error) { return "ref", nil }
func (f failingBuilder) PagePrompt(_ *Manifest, page int) (string, error) {
	if page == f.page {
		return "", errors.New("template exploded")
	}
	return "p", nil
}

func TestBuildTasks_BuilderError(t *testing.T) {
	_, err := BuildTasks(loadFox(t), failingBuilder{page: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "page 1")
}
