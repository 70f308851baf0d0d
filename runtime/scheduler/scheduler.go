// Package scheduler implements the in-memory runtime state machine over
// a DAG built by the dag package. It tracks READY/RUNNING/DONE/FAILED
// sets, applies cascade-fail on task failure, and selects dispatch
// batches under per-agent and global concurrency limits.
package scheduler

import (
	"fmt"
	"sort"
	"sync"

	"github.com/flowmesh/conductor/internal/errkind"
	"github.com/flowmesh/conductor/runtime/dag"
)

// Scheduler is safe for concurrent use; the Executor main loop calls it
// from the dispatch pass and the poll pass which may race.
type Scheduler struct {
	mu sync.Mutex

	graph *dag.Graph

	ready   map[string]struct{}
	running map[string]struct{}
	done    map[string]struct{}
	failed  map[string]struct{}

	remainingDeps map[string]int
}

// New builds a Scheduler from a frozen DAG.
func New(graph *dag.Graph) *Scheduler {
	s := &Scheduler{
		graph:         graph,
		ready:         make(map[string]struct{}),
		running:       make(map[string]struct{}),
		done:          make(map[string]struct{}),
		failed:        make(map[string]struct{}),
		remainingDeps: make(map[string]int, len(graph.InDegree)),
	}
	for id, d := range graph.InDegree {
		s.remainingDeps[id] = d
	}
	for _, id := range graph.Ready {
		s.ready[id] = struct{}{}
	}
	return s
}

// GetRunnable enumerates ready-but-not-running tasks paired with their
// assigned agent, in stable sorted order by task id.
func (s *Scheduler) GetRunnable() []Runnable {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.ready))
	for id := range s.ready {
		if _, running := s.running[id]; running {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Runnable, 0, len(ids))
	for _, id := range ids {
		out = append(out, Runnable{TaskID: id, Agent: s.graph.Tasks[id].AssignedTo})
	}
	return out
}

// Runnable is a task eligible for dispatch, together with its assigned agent.
type Runnable struct {
	TaskID string
	Agent  string
}

// Start moves a task from ready to running. It is a *errkind.Error with
// Kind Logic if the task is not currently ready.
func (s *Scheduler) Start(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ready[taskID]; !ok {
		return errkind.New(errkind.Logic, "scheduler.Start",
			fmt.Errorf("SCHED_START_NOT_READY: task %s is not in the ready set", taskID))
	}
	s.running[taskID] = struct{}{}
	return nil
}

// Finish moves a running task to done (on success) or failed (on
// failure, cascading to every transitive child). It is a
// *errkind.Error with Kind Logic if the task is not currently running.
func (s *Scheduler) Finish(taskID string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.running[taskID]; !ok {
		return errkind.New(errkind.Logic, "scheduler.Finish",
			fmt.Errorf("SCHED_FINISH_NOT_RUNNING: task %s is not in the running set", taskID))
	}
	delete(s.running, taskID)
	delete(s.ready, taskID)

	if success {
		s.done[taskID] = struct{}{}
		for _, child := range s.graph.Forward[taskID] {
			if s.remainingDeps[child] == 0 {
				continue
			}
			s.remainingDeps[child]--
			if s.remainingDeps[child] == 0 && !s.inAnySet(child) {
				s.ready[child] = struct{}{}
			}
		}
		return nil
	}

	s.failed[taskID] = struct{}{}
	s.cascadeFail(taskID)
	return nil
}

// cascadeFail recursively marks every transitive child of taskID as
// failed, removing them from ready/running. Caller must hold s.mu.
func (s *Scheduler) cascadeFail(taskID string) {
	for _, child := range s.graph.Forward[taskID] {
		if _, already := s.failed[child]; already {
			continue
		}
		delete(s.ready, child)
		delete(s.running, child)
		s.failed[child] = struct{}{}
		s.cascadeFail(child)
	}
}

func (s *Scheduler) inAnySet(id string) bool {
	if _, ok := s.ready[id]; ok {
		return true
	}
	if _, ok := s.running[id]; ok {
		return true
	}
	if _, ok := s.done[id]; ok {
		return true
	}
	if _, ok := s.failed[id]; ok {
		return true
	}
	return false
}

// IsFinished reports whether every task has reached a terminal set.
func (s *Scheduler) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.done)+len(s.failed) == len(s.graph.Tasks)
}

// Snapshot returns the current membership of each set, for reporting
// and tests. The returned slices are independent copies.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Ready:   keys(s.ready),
		Running: keys(s.running),
		Done:    keys(s.done),
		Failed:  keys(s.failed),
	}
}

// Snapshot is a point-in-time copy of the scheduler's sets.
type Snapshot struct {
	Ready   []string
	Running []string
	Done    []string
	Failed  []string
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Readmit returns a previously failed or finished task to the ready
// set so the orchestrator's retry policy can re-dispatch it. It is the
// scheduler-side half of "the task returns to pending status in the
// state store" (§4.3 Retries) — the orchestrator decides whether a
// retry is permitted; the scheduler only knows how to re-admit.
func (s *Scheduler) Readmit(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failed, taskID)
	delete(s.done, taskID)
	delete(s.running, taskID)
	s.ready[taskID] = struct{}{}
	return nil
}
