package dag

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/conductor/internal/errkind"
	"github.com/flowmesh/conductor/runtime/job"
)

func task(id string, deps ...string) job.Task {
	return job.Task{ID: id, Title: "task " + id, Deps: deps}
}

func TestBuildChain(t *testing.T) {
	g, err := Build([]job.Task{task("a"), task("b", "a"), task("c", "b")})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, g.Ready)
	require.Equal(t, []string{"b"}, g.Forward["a"])
	require.Equal(t, []string{"c"}, g.Forward["b"])
	require.Equal(t, 0, g.InDegree["a"])
	require.Equal(t, 1, g.InDegree["b"])
	require.Equal(t, 1, g.InDegree["c"])
}

func TestBuildDiamond(t *testing.T) {
	g, err := Build([]job.Task{task("a"), task("b", "a"), task("c", "a"), task("d", "b", "c")})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, g.Ready)
	require.ElementsMatch(t, []string{"b", "c"}, g.Forward["a"])
	require.Equal(t, 2, g.InDegree["d"])
}

func TestBuildUnknownDependency(t *testing.T) {
	_, err := Build([]job.Task{task("a"), task("b", "zz")})
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.Validation))
	require.Contains(t, err.Error(), "unknown_dependency")
}

func TestBuildCycle(t *testing.T) {
	_, err := Build([]job.Task{task("a", "c"), task("b", "a"), task("c", "b")})
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.Validation))
	require.Contains(t, err.Error(), "circular_dependency")
}

func TestBuildSelfCycle(t *testing.T) {
	_, err := Build([]job.Task{task("a", "a"), task("b"), task("c")})
	require.Error(t, err)
	require.Contains(t, err.Error(), "circular_dependency")
}

func TestBuildIndependentTasksAllReady(t *testing.T) {
	g, err := Build([]job.Task{task("c"), task("a"), task("b")})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, g.Ready, "initial ready set is sorted")
}
