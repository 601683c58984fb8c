package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/aristath/illustrator/internal/events"
)

// ProgressPaneModel shows queue counts and the last cache maintenance.
type ProgressPaneModel struct {
	pending   int
	running   int
	completed int
	failed    int

	maintenance *events.CacheMaintenanceEvent

	bar     progress.Model
	width   int
	height  int
	focused bool
}

// NewProgressPaneModel creates an empty progress pane.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{
		bar: progress.New(progress.WithDefaultGradient()),
	}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.QueueProgressEvent:
		m.pending = msg.Pending
		m.running = msg.Running
		m.completed = msg.Completed
		m.failed = msg.Failed

	case events.CacheMaintenanceEvent:
		m.maintenance = &msg
	}
	return m, nil
}

// Total returns the number of tasks seen by the loop.
func (m ProgressPaneModel) Total() int {
	return m.pending + m.running + m.completed + m.failed
}

// Fraction returns finished tasks over total, in [0, 1].
func (m ProgressPaneModel) Fraction() float64 {
	total := m.Total()
	if total == 0 {
		return 0
	}
	return float64(m.completed+m.failed) / float64(total)
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	b.WriteString(fmt.Sprintf("Total:     %d\n", m.Total()))
	b.WriteString(fmt.Sprintf("Completed: %s\n", StyleStatusComplete.Render(fmt.Sprint(m.completed))))
	b.WriteString(fmt.Sprintf("Running:   %s\n", StyleStatusRunning.Render(fmt.Sprint(m.running))))
	b.WriteString(fmt.Sprintf("Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprint(m.failed))))
	b.WriteString(fmt.Sprintf("Pending:   %s\n", StyleStatusPending.Render(fmt.Sprint(m.pending))))
	b.WriteString("\n")

	if m.Total() > 0 {
		b.WriteString(m.bar.ViewAs(m.Fraction()))
		b.WriteString("\n")
	}

	if mt := m.maintenance; mt != nil {
		b.WriteString("\n")
		b.WriteString(StyleTitle.Render("Cache"))
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("%d files, %s on disk\n", mt.DiskFiles, humanize.IBytes(uint64(max(mt.DiskBytes, 0)))))
		b.WriteString(fmt.Sprintf("swept %s\n", mt.Timestamp.Format(time.TimeOnly)))
		b.WriteString(fmt.Sprintf("expired %d, trimmed %d\n", mt.Expired, mt.Trimmed))
		b.WriteString(fmt.Sprintf("freed %s\n", humanize.IBytes(uint64(max(mt.BytesFreed, 0)))))
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.bar.Width = min(max(w-6, 10), 60)
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
