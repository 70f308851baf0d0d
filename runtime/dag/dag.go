// Package dag turns a task list into the forward adjacency list,
// in-degree map, and initial ready set the Scheduler ingests. It is a
// pure, stateless transformation: the DAG it produces is frozen before
// being handed to the scheduler, which owns all further mutation.
package dag

import (
	"fmt"
	"sort"

	"github.com/flowmesh/conductor/internal/errkind"
	"github.com/flowmesh/conductor/runtime/job"
)

// Graph is the frozen output of Build: an edge from A to B means "B
// depends on A; completing A may unlock B".
type Graph struct {
	// Forward maps a task id to the ids of tasks that depend on it.
	Forward map[string][]string
	// InDegree maps a task id to the number of unmet dependencies.
	InDegree map[string]int
	// Ready lists the tasks with zero in-degree, in stable sorted order.
	Ready []string
	// Tasks indexes the original tasks by id for convenient lookup.
	Tasks map[string]job.Task
}

// Build validates deps and computes the DAG. It fails closed: any dep
// referencing an unknown task id is rejected, and any cycle is
// rejected, both as *errkind.Error with Kind Validation.
func Build(tasks []job.Task) (*Graph, error) {
	ids := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		ids[t.ID] = struct{}{}
	}

	forward := make(map[string][]string, len(tasks))
	inDegree := make(map[string]int, len(tasks))
	byID := make(map[string]job.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		if _, ok := inDegree[t.ID]; !ok {
			inDegree[t.ID] = 0
		}
		for _, dep := range t.Deps {
			if _, ok := ids[dep]; !ok {
				return nil, errkind.New(errkind.Validation, "dag.Build",
					fmt.Errorf("unknown_dependency: task %s depends on unknown task %s", t.ID, dep))
			}
			forward[dep] = append(forward[dep], t.ID)
			inDegree[t.ID]++
		}
	}

	// Kahn's algorithm: repeatedly remove zero in-degree nodes.
	remaining := make(map[string]int, len(inDegree))
	for id, d := range inDegree {
		remaining[id] = d
	}
	var ready []string
	for _, t := range tasks {
		if remaining[t.ID] == 0 {
			ready = append(ready, t.ID)
		}
	}
	sort.Strings(ready)

	visited := make(map[string]bool, len(tasks))
	queue := append([]string(nil), ready...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		children := append([]string(nil), forward[id]...)
		sort.Strings(children)
		for _, child := range children {
			remaining[child]--
			if remaining[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if len(visited) != len(tasks) {
		return nil, errkind.New(errkind.Validation, "dag.Build",
			fmt.Errorf("circular_dependency: %d of %d tasks are reachable by topological order", len(visited), len(tasks)))
	}

	return &Graph{
		Forward:  forward,
		InDegree: inDegree,
		Ready:    ready,
		Tasks:    byID,
	}, nil
}
