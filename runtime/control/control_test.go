package control

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/conductor/internal/errkind"
	"github.com/flowmesh/conductor/runtime/control/queue/file"
	"github.com/flowmesh/conductor/runtime/engine"
	"github.com/flowmesh/conductor/runtime/engine/inmem"
	"github.com/flowmesh/conductor/runtime/job"
	"github.com/flowmesh/conductor/runtime/store/memory"
)

func newPlane(t *testing.T) (*Plane, *memory.Store) {
	t.Helper()
	st := memory.New()
	q := file.New(t.TempDir())
	return New(q, st), st
}

func seedJob(t *testing.T, st *memory.Store, j job.Job) {
	t.Helper()
	_, err := st.CreateJob(context.Background(), j)
	require.NoError(t, err)
}

func countEvents(t *testing.T, st *memory.Store, jobID, name string) int {
	t.Helper()
	events, err := st.ListEvents(context.Background(), jobID)
	require.NoError(t, err)
	n := 0
	for _, e := range events {
		if e.Name == name {
			n++
		}
	}
	return n
}

func TestEmitValidation(t *testing.T) {
	p, _ := newPlane(t)
	ctx := context.Background()

	_, err := p.Emit(ctx, "", job.ActionApprove, nil, "", 0)
	require.True(t, errkind.Is(err, errkind.Validation))

	_, err = p.Emit(ctx, "j1", "explode", nil, "", 0)
	require.True(t, errkind.Is(err, errkind.Validation))
}

func TestEmitGeneratesRequestID(t *testing.T) {
	p, _ := newPlane(t)
	receipt, err := p.Emit(context.Background(), "j1", job.ActionApprove, nil, "", 0)
	require.NoError(t, err)
	require.NotEmpty(t, receipt.RequestID)
	require.False(t, receipt.Deduped)
}

func TestEmitDedupesByRequestID(t *testing.T) {
	p, _ := newPlane(t)
	ctx := context.Background()

	first, err := p.Emit(ctx, "j1", job.ActionApprove, nil, "req-1", 0)
	require.NoError(t, err)
	require.False(t, first.Deduped)

	second, err := p.Emit(ctx, "j1", job.ActionApprove, nil, "req-1", 0)
	require.NoError(t, err)
	require.True(t, second.Deduped)
}

func TestApproveTransitions(t *testing.T) {
	p, st := newPlane(t)
	ctx := context.Background()
	seedJob(t, st, job.Job{ID: "j1", Status: job.JobAwaitingAudit})

	_, err := p.Emit(ctx, "j1", job.ActionApprove, nil, "", 0)
	require.NoError(t, err)
	require.NoError(t, p.DrainAndApply(ctx))

	j, err := st.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, job.JobApproved, j.Status)
	require.Equal(t, job.AuditApprove, j.Audit.Decision)
	require.True(t, j.Audit.Passed)
	require.Equal(t, 1, countEvents(t, st, "j1", "audit_approved"))
}

func TestApproveLeavesRunningStatus(t *testing.T) {
	p, st := newPlane(t)
	ctx := context.Background()
	seedJob(t, st, job.Job{ID: "j1", Status: job.JobRunning})

	require.NoError(t, p.Apply(ctx, job.ControlSignal{JobID: "j1", Action: job.ActionApprove}))
	j, err := st.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, job.JobRunning, j.Status, "only awaiting_audit/queued transition to approved")
	require.True(t, j.Audit.Passed)
}

func TestRevise(t *testing.T) {
	p, st := newPlane(t)
	ctx := context.Background()
	seedJob(t, st, job.Job{ID: "j1", Status: job.JobAwaitingAudit})

	require.NoError(t, p.Apply(ctx, job.ControlSignal{
		JobID:   "j1",
		Action:  job.ActionRevise,
		Payload: map[string]any{"revision": "use fewer tasks"},
	}))

	j, err := st.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, job.JobReviseRequested, j.Status)
	require.Equal(t, "use fewer tasks", j.Audit.Revision)
	require.False(t, j.Audit.Passed)
	require.Equal(t, 1, countEvents(t, st, "j1", "audit_revise_requested"))
}

func TestResumeIdempotent(t *testing.T) {
	p, st := newPlane(t)
	ctx := context.Background()
	seedJob(t, st, job.Job{ID: "j1", Status: job.JobWaitingHuman, Audit: job.Audit{Passed: true}})

	sig := job.ControlSignal{
		JobID:   "j1",
		Action:  job.ActionResume,
		Payload: map[string]any{"answer": "yes", "task_id": "t1"},
	}
	require.NoError(t, p.Apply(ctx, sig))
	require.NoError(t, p.Apply(ctx, sig))

	require.Equal(t, 1, countEvents(t, st, "j1", "job_resumed"), "identical (task_id, answer) resumes once")
	j, err := st.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, job.JobApproved, j.Status)
	require.Len(t, j.HumanInputs, 1)
	require.Equal(t, "yes", j.HumanInputs[0].Answer)
}

func TestResumeWithoutAuditPass(t *testing.T) {
	p, st := newPlane(t)
	ctx := context.Background()
	seedJob(t, st, job.Job{ID: "j1", Status: job.JobWaitingHuman})

	require.NoError(t, p.Apply(ctx, job.ControlSignal{
		JobID:   "j1",
		Action:  job.ActionResume,
		Payload: map[string]any{"answer": "yes"},
	}))
	j, err := st.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, job.JobAwaitingAudit, j.Status)
}

func TestResumeRequiresAnswer(t *testing.T) {
	p, st := newPlane(t)
	seedJob(t, st, job.Job{ID: "j1", Status: job.JobWaitingHuman})

	err := p.Apply(context.Background(), job.ControlSignal{JobID: "j1", Action: job.ActionResume})
	require.True(t, errkind.Is(err, errkind.Validation))
	require.Contains(t, err.Error(), "invalid_answer")
}

func TestResumeDistinctAnswersBothApply(t *testing.T) {
	p, st := newPlane(t)
	ctx := context.Background()
	seedJob(t, st, job.Job{ID: "j1", Status: job.JobWaitingHuman, Audit: job.Audit{Passed: true}})

	require.NoError(t, p.Apply(ctx, job.ControlSignal{
		JobID: "j1", Action: job.ActionResume,
		Payload: map[string]any{"answer": "yes", "task_id": "t1"},
	}))
	require.NoError(t, p.Apply(ctx, job.ControlSignal{
		JobID: "j1", Action: job.ActionResume,
		Payload: map[string]any{"answer": "no", "task_id": "t1"},
	}))
	require.Equal(t, 2, countEvents(t, st, "j1", "job_resumed"))
}

func TestCancel(t *testing.T) {
	p, st := newPlane(t)
	ctx := context.Background()
	seedJob(t, st, job.Job{ID: "j1", Status: job.JobRunning})

	require.NoError(t, p.Apply(ctx, job.ControlSignal{JobID: "j1", Action: job.ActionCancel}))
	j, err := st.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, job.JobCancelled, j.Status)
	require.Equal(t, 1, countEvents(t, st, "j1", "job_cancelled"))
}

func TestStrictlyDecreasingSeqRejected(t *testing.T) {
	p, st := newPlane(t)
	ctx := context.Background()
	seedJob(t, st, job.Job{ID: "j1", Status: job.JobAwaitingAudit})

	require.NoError(t, p.Apply(ctx, job.ControlSignal{JobID: "j1", Action: job.ActionApprove, SignalSeq: 5}))
	err := p.Apply(ctx, job.ControlSignal{JobID: "j1", Action: job.ActionApprove, SignalSeq: 4})
	require.True(t, errkind.Is(err, errkind.Validation))

	// Gaps and repeats are accepted.
	require.NoError(t, p.Apply(ctx, job.ControlSignal{JobID: "j1", Action: job.ActionApprove, SignalSeq: 5}))
	require.NoError(t, p.Apply(ctx, job.ControlSignal{JobID: "j1", Action: job.ActionApprove, SignalSeq: 9}))
}

func TestDrainAndApplyRecordsRejections(t *testing.T) {
	p, st := newPlane(t)
	ctx := context.Background()
	seedJob(t, st, job.Job{ID: "j1", Status: job.JobWaitingHuman})

	_, err := p.Emit(ctx, "j1", job.ActionResume, map[string]any{}, "", 0)
	require.NoError(t, err)
	require.Error(t, p.DrainAndApply(ctx))
	require.Equal(t, 1, countEvents(t, st, "j1", "control_signal_rejected"))
}

func TestResumeSignalsLiveRun(t *testing.T) {
	st := memory.New()
	reg := engine.NewRegistry(func() engine.Context { return inmem.New() })
	p := New(file.New(t.TempDir()), st, WithLiveRuns(reg))
	ctx := context.Background()
	seedJob(t, st, job.Job{ID: "j1", RunID: "r1", Status: job.JobWaitingHuman, Audit: job.Audit{Passed: true}})

	eng := reg.Attach("r1")
	require.NoError(t, p.Apply(ctx, job.ControlSignal{
		JobID: "j1", Action: job.ActionResume,
		Payload: map[string]any{"answer": "ship it", "task_id": "t1"},
	}))

	var sig engine.ResumePayload
	require.True(t, eng.SignalChannel(engine.SignalResume).ReceiveAsync(&sig))
	require.Equal(t, "ship it", sig.Answer)
	require.Equal(t, "t1", sig.TaskID)
}

func TestDedupeKeyShape(t *testing.T) {
	key := DedupeKey("t1", "yes")
	require.Len(t, key, 16)
	require.Equal(t, key, DedupeKey("t1", "yes"))
	require.NotEqual(t, key, DedupeKey("t1", "no"))
}
