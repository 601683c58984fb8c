package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aristath/illustrator/internal/scheduler"
	"github.com/aristath/illustrator/internal/story"
)

func newPlanCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <story.yaml>",
		Short: "Print the tasks a story expands to, in dependency order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := story.Load(args[0])
			if err != nil {
				return err
			}
			return writePlan(cmd.OutOrStdout(), m)
		},
	}
}

func writePlan(w io.Writer, m *story.Manifest) error {
	tasks, err := story.BuildTasks(m, story.DefaultBuilder())
	if err != nil {
		return err
	}
	order, err := scheduler.Order(tasks)
	if err != nil {
		return err
	}

	byID := make(map[string]*scheduler.Task, len(tasks))
	for _, task := range tasks {
		byID[task.ID] = task
	}
	none := map[string]struct{}{}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tKEY\tTYPE\tPRIORITY\tREADY\tPROMPT")
	for i, id := range order {
		task := byID[id]
		ready := "no"
		if scheduler.IsReady(task, none) {
			ready = "yes"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", i+1, task.ArtifactKey, task.Type, task.Priority, ready, truncatePrompt(task.Prompt, 60))
	}
	return tw.Flush()
}

func truncatePrompt(s string, n int) string {
	r := []rune(s)
	for i, c := range r {
		if c == '\n' {
			r = r[:i]
			break
		}
	}
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-3]) + "..."
}
