package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/conductor/runtime/job"
)

func TestEmitAndDrain(t *testing.T) {
	q := New(t.TempDir())
	ctx := context.Background()

	deduped, err := q.Emit(ctx, job.ControlSignal{JobID: "j1", Action: job.ActionApprove, RequestID: "r1"})
	require.NoError(t, err)
	require.False(t, deduped)

	deduped, err = q.Emit(ctx, job.ControlSignal{JobID: "j2", Action: job.ActionCancel, RequestID: "r2"})
	require.NoError(t, err)
	require.False(t, deduped)

	sigs, err := q.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, sigs, 2)
	require.Equal(t, "j1", sigs[0].JobID, "emit order preserved")

	sigs, err = q.Drain(ctx)
	require.NoError(t, err)
	require.Empty(t, sigs, "drain truncates")
}

func TestDedupeSurvivesDrain(t *testing.T) {
	q := New(t.TempDir())
	ctx := context.Background()

	_, err := q.Emit(ctx, job.ControlSignal{JobID: "j1", Action: job.ActionApprove, RequestID: "r1"})
	require.NoError(t, err)
	_, err = q.Drain(ctx)
	require.NoError(t, err)

	deduped, err := q.Emit(ctx, job.ControlSignal{JobID: "j1", Action: job.ActionApprove, RequestID: "r1"})
	require.NoError(t, err)
	require.True(t, deduped, "a drained request id is still deduped")
}

func TestQueueSurvivesProcessRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	q := New(dir)
	_, err := q.Emit(ctx, job.ControlSignal{JobID: "j1", Action: job.ActionResume, RequestID: "r1"})
	require.NoError(t, err)

	reopened := New(dir)
	sigs, err := reopened.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
}

func TestEmptyFileTolerated(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), nil, 0o644))

	q := New(dir)
	sigs, err := q.Drain(context.Background())
	require.NoError(t, err)
	require.Empty(t, sigs)
}
