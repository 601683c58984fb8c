package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/aristath/illustrator/internal/artifact"
	"github.com/aristath/illustrator/internal/orchestrator"
	"github.com/aristath/illustrator/internal/scheduler"
	"github.com/aristath/illustrator/internal/tui"
)

var (
	styleHeading = lipgloss.NewStyle().Bold(true)
	styleDim     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// summary is what a finished run reports.
type summary struct {
	Title    string
	Stats    orchestrator.Stats
	Failed   []*scheduler.Task
	Blocked  []*scheduler.Task // Still queued when the loop stopped
	Elapsed  time.Duration
	Durable  artifact.Stats
	Restored int
}

func writeSummary(w io.Writer, s summary) {
	var b strings.Builder

	b.WriteString(styleHeading.Render(s.Title))
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s %d completed\n", tui.StyleStatusComplete.Render("✓"), s.Stats.Completed)
	if len(s.Failed) > 0 {
		fmt.Fprintf(&b, "%s %d failed\n", tui.StyleStatusFailed.Render("✗"), len(s.Failed))
		for _, task := range s.Failed {
			fmt.Fprintf(&b, "    %s (attempt %d): %v\n", taskLabel(task), task.AttemptCount, task.Err)
		}
	}
	if len(s.Blocked) > 0 {
		fmt.Fprintf(&b, "%s %d still queued\n", tui.StyleStatusPending.Render("○"), len(s.Blocked))
	}
	if s.Restored > 0 {
		fmt.Fprintf(&b, "%s\n", styleDim.Render(fmt.Sprintf("resumed %d task(s) from the saved queue", s.Restored)))
	}
	b.WriteString(styleDim.Render(fmt.Sprintf("%s elapsed, %d illustration(s) stored (%s)",
		s.Elapsed.Round(time.Millisecond), s.Durable.DiskEntries, humanize.IBytes(uint64(max(s.Durable.DiskBytes, 0))))))
	b.WriteString("\n")

	io.WriteString(w, b.String())
}

// taskLabel names a task by its artifact key, falling back to its ID.
func taskLabel(task *scheduler.Task) string {
	if task.ArtifactKey != "" {
		return task.ArtifactKey
	}
	return task.ID
}
