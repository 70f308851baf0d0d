package file

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/conductor/runtime/job"
)

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir)
	require.NoError(t, err)
	_, err = s.CreateJob(ctx, job.Job{ID: "j1", Goal: "build it", Status: job.JobQueued})
	require.NoError(t, err)
	_, err = s.Claim(ctx, "j1", "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.PutTaskState(ctx, "r1", job.TaskState{TaskID: "t1", Status: job.TaskCompleted}))

	reopened, err := Open(dir)
	require.NoError(t, err)

	j, err := reopened.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, "w1", j.WorkerID)

	states, err := reopened.ListTaskStates(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, states, 1)

	events, err := reopened.ListEvents(ctx, "j1")
	require.NoError(t, err)
	require.NotEmpty(t, events, "claim event survives the restart")
}

func TestOpenEmptyDir(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	jobs, err := s.ListClaimable(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestSignalsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir)
	require.NoError(t, err)
	deduped, err := s.PutSignal(ctx, job.ControlSignal{JobID: "j1", Action: job.ActionResume, RequestID: "req1"})
	require.NoError(t, err)
	require.False(t, deduped)

	reopened, err := Open(dir)
	require.NoError(t, err)
	deduped, err = reopened.PutSignal(ctx, job.ControlSignal{JobID: "j1", Action: job.ActionResume, RequestID: "req1"})
	require.NoError(t, err)
	require.True(t, deduped, "request-id dedupe survives the restart")

	sigs, err := reopened.DrainSignals(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, sigs, 1)
}
