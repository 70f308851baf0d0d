package scheduler

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/conductor/internal/errkind"
	"github.com/flowmesh/conductor/runtime/dag"
	"github.com/flowmesh/conductor/runtime/job"
)

func mustGraph(t *testing.T, tasks ...job.Task) *dag.Graph {
	t.Helper()
	g, err := dag.Build(tasks)
	require.NoError(t, err)
	return g
}

func task(id string, deps ...string) job.Task {
	return job.Task{ID: id, Title: "task " + id, AssignedTo: "agent", Deps: deps}
}

func runnableIDs(s *Scheduler) []string {
	var ids []string
	for _, r := range s.GetRunnable() {
		ids = append(ids, r.TaskID)
	}
	return ids
}

func TestSimpleChain(t *testing.T) {
	s := New(mustGraph(t, task("a"), task("b", "a"), task("c", "b")))

	require.Equal(t, []string{"a"}, runnableIDs(s))
	require.NoError(t, s.Start("a"))
	require.NoError(t, s.Finish("a", true))
	require.Equal(t, []string{"b"}, runnableIDs(s))
	require.NoError(t, s.Start("b"))
	require.NoError(t, s.Finish("b", true))
	require.Equal(t, []string{"c"}, runnableIDs(s))
	require.NoError(t, s.Start("c"))
	require.NoError(t, s.Finish("c", true))

	require.True(t, s.IsFinished())
	require.Equal(t, []string{"a", "b", "c"}, s.Snapshot().Done)
}

func TestDiamond(t *testing.T) {
	s := New(mustGraph(t, task("a"), task("b", "a"), task("c", "a"), task("d", "b", "c")))

	require.Equal(t, []string{"a"}, runnableIDs(s))
	require.NoError(t, s.Start("a"))
	require.NoError(t, s.Finish("a", true))
	require.Equal(t, []string{"b", "c"}, runnableIDs(s), "order is stable")

	require.NoError(t, s.Start("b"))
	require.NoError(t, s.Finish("b", true))
	require.Equal(t, []string{"c"}, runnableIDs(s), "d not ready until both parents done")
	require.NoError(t, s.Start("c"))
	require.NoError(t, s.Finish("c", true))
	require.Equal(t, []string{"d"}, runnableIDs(s))
}

func TestCascadeFail(t *testing.T) {
	s := New(mustGraph(t, task("a"), task("b", "a"), task("c", "b")))

	require.NoError(t, s.Start("a"))
	require.NoError(t, s.Finish("a", false))

	snap := s.Snapshot()
	require.Equal(t, []string{"a", "b", "c"}, snap.Failed)
	require.Empty(t, snap.Ready)
	require.True(t, s.IsFinished())
}

func TestCascadeFailLeavesSiblings(t *testing.T) {
	s := New(mustGraph(t, task("a"), task("b", "a"), task("c", "a"), task("d", "b")))

	require.NoError(t, s.Start("a"))
	require.NoError(t, s.Finish("a", true))
	require.NoError(t, s.Start("b"))
	require.NoError(t, s.Finish("b", false))

	snap := s.Snapshot()
	require.Equal(t, []string{"b", "d"}, snap.Failed, "only descendants cascade")
	require.Equal(t, []string{"c"}, snap.Ready, "sibling stays runnable")
}

func TestStartNotReady(t *testing.T) {
	s := New(mustGraph(t, task("a"), task("b", "a")))
	err := s.Start("b")
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.Logic))
	require.Contains(t, err.Error(), "SCHED_START_NOT_READY")
}

func TestFinishNotRunning(t *testing.T) {
	s := New(mustGraph(t, task("a")))
	err := s.Finish("a", true)
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.Logic))
	require.Contains(t, err.Error(), "SCHED_FINISH_NOT_RUNNING")
}

func TestReadmit(t *testing.T) {
	s := New(mustGraph(t, task("a"), task("b", "a")))
	require.NoError(t, s.Start("a"))
	require.NoError(t, s.Readmit("a"))
	require.Equal(t, []string{"a"}, runnableIDs(s))
	require.NoError(t, s.Start("a"))
	require.NoError(t, s.Finish("a", true))
	require.Equal(t, []string{"b"}, runnableIDs(s))
}

// TestTerminalSetsGrowMonotonically drives random chains with random
// success/failure outcomes and checks that (done ∪ failed) only grows
// and no task ever leaves a terminal set.
func TestTerminalSetsGrowMonotonically(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("done+failed grows and stays terminal", prop.ForAll(
		func(n int, outcomes []bool) bool {
			tasks := make([]job.Task, n)
			for i := 0; i < n; i++ {
				id := string(rune('a' + i))
				if i == 0 {
					tasks[i] = task(id)
				} else {
					tasks[i] = task(id, string(rune('a'+i-1)))
				}
			}
			g, err := dag.Build(tasks)
			if err != nil {
				return false
			}
			s := New(g)

			terminal := make(map[string]bool)
			step := 0
			for !s.IsFinished() {
				runnable := s.GetRunnable()
				if len(runnable) == 0 {
					break
				}
				id := runnable[0].TaskID
				if s.Start(id) != nil {
					return false
				}
				ok := true
				if step < len(outcomes) {
					ok = outcomes[step]
				}
				if s.Finish(id, ok) != nil {
					return false
				}
				step++

				snap := s.Snapshot()
				now := make(map[string]bool)
				for _, d := range snap.Done {
					now[d] = true
				}
				for _, f := range snap.Failed {
					now[f] = true
				}
				for prev := range terminal {
					if !now[prev] {
						return false // a task left a terminal set
					}
				}
				terminal = now
			}
			return s.IsFinished()
		},
		gen.IntRange(1, 8),
		gen.SliceOf(gen.Bool()),
	))

	properties.Property("cascade-fail marks every transitive child failed", prop.ForAll(
		func(n int) bool {
			tasks := make([]job.Task, n)
			for i := 0; i < n; i++ {
				id := string(rune('a' + i))
				if i == 0 {
					tasks[i] = task(id)
				} else {
					tasks[i] = task(id, string(rune('a'+i-1)))
				}
			}
			g, err := dag.Build(tasks)
			if err != nil {
				return false
			}
			s := New(g)
			if s.Start("a") != nil || s.Finish("a", false) != nil {
				return false
			}
			return len(s.Snapshot().Failed) == n && s.IsFinished()
		},
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}
