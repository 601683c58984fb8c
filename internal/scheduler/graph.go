package scheduler

import (
	"fmt"
	"slices"

	"github.com/gammazero/toposort"
)

// IsReady reports whether every dependency of task is in completed.
// Tasks without dependencies are always ready.
func IsReady(task *Task, completed map[string]struct{}) bool {
	for _, depID := range task.Dependencies {
		if _, ok := completed[depID]; !ok {
			return false
		}
	}
	return true
}

// FindCycles returns the IDs of every task that sits on a dependency cycle.
// It walks the graph depth-first keeping the current recursion stack; a
// dependency already on the stack closes a cycle, and every ID from that
// dependency to the top of the stack is reported. The result is empty for
// acyclic graphs.
func FindCycles(tasks []*Task) map[string]struct{} {
	adjacency := make(map[string][]string, len(tasks))
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		if _, seen := adjacency[task.ID]; !seen {
			ids = append(ids, task.ID)
		}
		adjacency[task.ID] = task.Dependencies
	}
	slices.Sort(ids)

	cycles := make(map[string]struct{})
	visited := make(map[string]bool, len(ids))
	onStack := make(map[string]int, len(ids)) // id -> index in stack
	var stack []string

	var visit func(id string)
	visit = func(id string) {
		visited[id] = true
		onStack[id] = len(stack)
		stack = append(stack, id)

		for _, depID := range adjacency[id] {
			if idx, ok := onStack[depID]; ok {
				for _, member := range stack[idx:] {
					cycles[member] = struct{}{}
				}
				continue
			}
			if !visited[depID] {
				visit(depID)
			}
		}

		stack = stack[:len(stack)-1]
		delete(onStack, id)
	}

	for _, id := range ids {
		if !visited[id] {
			visit(id)
		}
	}

	return cycles
}

// Order returns the task IDs in dependency order (dependencies first) using
// gammazero/toposort. Edges to IDs outside the task set are ignored, since
// those dependencies are either already completed or no longer tracked.
// Returns an error if the set still contains a cycle.
func Order(tasks []*Task) ([]string, error) {
	known := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		known[task.ID] = true
	}

	// Sort for a deterministic edge list.
	sorted := make([]*Task, len(tasks))
	copy(sorted, tasks)
	slices.SortStableFunc(sorted, compareCreated)

	var edges []toposort.Edge
	for _, task := range sorted {
		linked := false
		for _, depID := range task.Dependencies {
			if !known[depID] {
				continue
			}
			// Edge (depID, taskID) means depID must come before taskID
			edges = append(edges, toposort.Edge{depID, task.ID})
			linked = true
		}
		if !linked {
			edges = append(edges, toposort.Edge{nil, task.ID})
		}
	}

	result, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("dependency graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(tasks))
	for _, id := range result {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	return order, nil
}

func compareCreated(a, b *Task) int {
	return a.CreatedAt.Compare(b.CreatedAt)
}
