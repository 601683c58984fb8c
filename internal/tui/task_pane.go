package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/illustrator/internal/events"
)

const taskListWidth = 28

// TaskState is what the pane knows about one task.
type TaskState struct {
	TaskID    string
	Kind      string
	Key       string
	Status    string
	Attempt   int
	Log       []string
	StartTime time.Time
	Duration  time.Duration
}

// TaskPaneModel lists tasks and shows the history of the selected one.
type TaskPaneModel struct {
	tasks       map[string]*TaskState
	order       []string // first-seen order
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.refresh()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.refresh()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskStartedEvent:
		task := m.task(msg.ID)
		task.Kind = msg.Kind
		task.Key = msg.Key
		task.Status = statusRunning
		task.Attempt = msg.Attempt
		task.StartTime = msg.Timestamp
		task.Log = append(task.Log, fmt.Sprintf("%s attempt %d started", msg.Timestamp.Format(time.TimeOnly), msg.Attempt))
		m.refreshIfSelected(msg.ID)

	case events.TaskCompletedEvent:
		task := m.task(msg.ID)
		task.Status = statusCompleted
		task.Duration = msg.Duration
		task.Log = append(task.Log, fmt.Sprintf("%s stored %s in %v", msg.Timestamp.Format(time.TimeOnly), msg.Key, msg.Duration.Round(time.Millisecond)))
		m.refreshIfSelected(msg.ID)

	case events.TaskFailedEvent:
		task := m.task(msg.ID)
		task.Status = statusFailed
		task.Duration = msg.Duration
		task.Log = append(task.Log, fmt.Sprintf("%s failed after %d attempt(s): %v", msg.Timestamp.Format(time.TimeOnly), msg.Attempt, msg.Err))
		m.refreshIfSelected(msg.ID)
	}

	return m, cmd
}

// task returns the state for id, creating it on first sight.
func (m *TaskPaneModel) task(id string) *TaskState {
	if task, ok := m.tasks[id]; ok {
		return task
	}
	task := &TaskState{TaskID: id}
	m.tasks[id] = task
	m.order = append(m.order, id)
	return task
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	detailWidth := max(m.width-taskListWidth-4, 10)
	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderList(),
		lipgloss.NewStyle().
			Width(detailWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderList() string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(taskListWidth, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.order {
		line := StatusIcon(m.tasks[id].Status) + " " + truncate(m.tasks[id].label(), taskListWidth-3)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(taskListWidth).
		Height(m.height - 2).
		Render(b.String())
}

// label names a task by its artifact key, falling back to its ID.
func (t *TaskState) label() string {
	if t.Key != "" {
		return t.Key
	}
	return t.TaskID
}

func truncate(s string, width int) string {
	if width <= 3 || len(s) <= width {
		return s
	}
	return s[:width-3] + "..."
}

func (m TaskPaneModel) selectedID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

func (m *TaskPaneModel) refreshIfSelected(id string) {
	if m.selectedID() == id {
		m.refresh()
	}
}

// refresh loads the selected task's history into the viewport.
func (m *TaskPaneModel) refresh() {
	task, ok := m.tasks[m.selectedID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	header := fmt.Sprintf("%s  %s\nkey: %s\nstatus: %s\n\n", task.Kind, task.TaskID, task.Key, task.Status)
	m.viewport.SetContent(header + strings.Join(task.Log, "\n"))
	m.viewport.GotoBottom()
}

// Selected returns a copy of the selected task's state, if any.
func (m TaskPaneModel) Selected() (TaskState, bool) {
	task, ok := m.tasks[m.selectedID()]
	if !ok {
		return TaskState{}, false
	}
	return *task, true
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(w-taskListWidth-4, 10)
	m.viewport.Height = max(h-4, 5)
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
