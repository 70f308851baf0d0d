package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func r(agent, id string) Runnable { return Runnable{Agent: agent, TaskID: id} }

func TestSelectBatchRespectsAgentLimit(t *testing.T) {
	runnable := []Runnable{r("be", "t1"), r("be", "t2"), r("fe", "t3")}
	batch := SelectBatch(runnable, nil, AgentLimits{"be": 1, "fe": 1}, 0)
	require.Equal(t, []Runnable{r("be", "t1"), r("fe", "t3")}, batch)
}

func TestSelectBatchWildcardLimit(t *testing.T) {
	runnable := []Runnable{r("be", "t1"), r("be", "t2")}
	batch := SelectBatch(runnable, nil, AgentLimits{"*": 2}, 0)
	require.Len(t, batch, 2)
}

func TestSelectBatchGlobalCap(t *testing.T) {
	runnable := []Runnable{r("a", "t1"), r("b", "t2"), r("c", "t3")}
	batch := SelectBatch(runnable, nil, AgentLimits{"*": 5}, 2)
	require.Len(t, batch, 2)
}

func TestSelectBatchCountsInFlight(t *testing.T) {
	runnable := []Runnable{r("be", "t1")}
	batch := SelectBatch(runnable, map[string]int{"be": 1}, AgentLimits{"be": 1}, 0)
	// The agent cap is exhausted, so the anti-deadlock fallback forces
	// exactly one task through.
	require.Equal(t, []Runnable{r("be", "t1")}, batch)
}

func TestSelectBatchForcesOneWhenLimitsBlockEverything(t *testing.T) {
	runnable := []Runnable{r("be", "t1"), r("fe", "t2")}
	batch := SelectBatch(runnable, map[string]int{"be": 3, "fe": 3}, AgentLimits{"*": 1}, 2)
	require.Len(t, batch, 1, "a non-empty ready list never yields an empty batch")
}

func TestSelectBatchRoundRobins(t *testing.T) {
	runnable := []Runnable{r("be", "t1"), r("be", "t2"), r("fe", "t3"), r("fe", "t4")}
	batch := SelectBatch(runnable, nil, AgentLimits{"*": 2}, 4)
	require.Equal(t, []Runnable{r("be", "t1"), r("fe", "t3"), r("be", "t2"), r("fe", "t4")}, batch)
}

func TestSelectBatchEmptyRunnable(t *testing.T) {
	require.Nil(t, SelectBatch(nil, nil, AgentLimits{"*": 1}, 1))
}
