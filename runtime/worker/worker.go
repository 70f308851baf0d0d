// Package worker implements the long-running daemon (C8) that drives
// jobs to terminal states: it drains control signals, recovers stale
// jobs, claims claimable jobs under a lease, executes one run per
// claimed job with a hard timeout and a heartbeat, maps the run's
// outcome onto the job, and re-queues failed jobs while attempts
// remain.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/conductor/internal/config"
	"github.com/flowmesh/conductor/internal/idgen"
	"github.com/flowmesh/conductor/internal/snapshot"
	"github.com/flowmesh/conductor/internal/telemetry"
	"github.com/flowmesh/conductor/runtime/control"
	"github.com/flowmesh/conductor/runtime/gates"
	"github.com/flowmesh/conductor/runtime/job"
	"github.com/flowmesh/conductor/runtime/orchestrator"
	"github.com/flowmesh/conductor/runtime/status"
	"github.com/flowmesh/conductor/runtime/store"
)

// Runner executes one run of a job; satisfied by
// *orchestrator.Orchestrator.
type Runner interface {
	ExecuteRun(ctx context.Context, j job.Job) (orchestrator.RunResult, error)
}

// Worker is one daemon process's claim-and-execute loop.
type Worker struct {
	id      string
	rt      *config.Runtime
	store   store.Store
	runner  Runner
	plane   *control.Plane
	runs    *status.RunsFile
	logger  telemetry.Logger
	metrics telemetry.Metrics
	slo     *gates.Recorder

	// sloMu guards the running SLO tallies the recorder evaluates once
	// per drain cycle.
	sloMu        sync.Mutex
	runsTotal    int
	runsStalled  int
	signalsOK    int
	signalsError int

	// heartbeatEvery is how often a running job's lease is refreshed.
	heartbeatEvery time.Duration
	// pollEvery is the idle sleep between passes of the daemon loop.
	pollEvery time.Duration
}

// Option configures the Worker.
type Option func(*Worker)

// WithID overrides the generated worker id.
func WithID(id string) Option {
	return func(w *Worker) { w.id = id }
}

// WithHeartbeatInterval overrides how often leases are refreshed.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(w *Worker) { w.heartbeatEvery = d }
}

// WithPollInterval overrides the idle sleep between daemon passes.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) { w.pollEvery = d }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// New builds a Worker.
func New(rt *config.Runtime, st store.Store, runner Runner, plane *control.Plane, logger telemetry.Logger, opts ...Option) *Worker {
	w := &Worker{
		id:             "wrk_" + uuid.NewString(),
		rt:             rt,
		store:          st,
		runner:         runner,
		plane:          plane,
		runs:           status.NewRunsFile(rt.Paths.TemporalRunsFile()),
		logger:         logger,
		metrics:        telemetry.NoopMetrics{},
		heartbeatEvery: 5 * time.Second,
		pollEvery:      2 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	w.slo = gates.NewRecorder(w.metrics)
	return w
}

// ID returns the worker's identifier.
func (w *Worker) ID() string { return w.id }

// Run drives the daemon loop until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := w.RunOnce(ctx); err != nil && w.logger != nil {
			w.logger.Warn(ctx, "worker pass failed", "worker_id", w.id, "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.pollEvery):
		}
	}
}

// RunOnce performs one full daemon pass: drain signals, recover stale
// jobs, claim up to the concurrency limit, and execute every claimed
// job to a run exit. It returns how many jobs it executed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	if w.plane != nil {
		err := w.plane.DrainAndApply(ctx)
		w.sloMu.Lock()
		if err != nil {
			w.signalsError++
		} else {
			w.signalsOK++
		}
		w.sloMu.Unlock()
		if err != nil && w.logger != nil {
			w.logger.Warn(ctx, "control signal rejected", "worker_id", w.id, "error", err.Error())
		}
	}
	w.evaluateSLO()

	if err := w.RecoverStale(ctx); err != nil {
		return 0, err
	}
	if err := w.applyRevisions(ctx); err != nil {
		return 0, err
	}

	claimed, err := w.claim(ctx)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	var wg sync.WaitGroup
	for _, j := range claimed {
		wg.Add(1)
		go func(j job.Job) {
			defer wg.Done()
			w.executeJob(ctx, j)
		}(j)
	}
	wg.Wait()
	return len(claimed), nil
}

// RecoverStale returns every job whose heartbeat predates the stale
// threshold to a claimable state: running reverts to approved,
// planning to queued.
func (w *Worker) RecoverStale(ctx context.Context) error {
	cutoff := w.rt.Clock.Now().Add(-w.rt.Timeouts.RunningStale)
	stale, err := w.store.ListStale(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, j := range stale {
		recovered, err := w.store.UpdateJob(ctx, j.ID, func(cur job.Job) (job.Job, error) {
			switch cur.Status {
			case job.JobRunning:
				cur.Status = job.JobApproved
			case job.JobPlanning:
				cur.Status = job.JobQueued
			default:
				return cur, nil
			}
			cur.WorkerID = ""
			cur.RunnerPID = 0
			cur.LeaseUntil = time.Time{}
			return cur, nil
		})
		if err != nil {
			return err
		}
		_ = w.store.AppendEvent(ctx, job.Event{
			JobID: j.ID,
			Name:  "stale_recovered",
			Payload: map[string]any{
				"previous_worker": j.WorkerID,
				"status":          string(recovered.Status),
			},
		})
		if w.logger != nil {
			w.logger.Info(ctx, "stale job recovered", "job_id", j.ID, "status", string(recovered.Status))
		}
	}
	return nil
}

// applyRevisions folds a requested revision into each revise_requested
// job's goal and returns the job to planning so the next claim
// re-plans against the revised goal.
func (w *Worker) applyRevisions(ctx context.Context) error {
	jobs, err := w.store.ListByStatus(ctx, []job.JobStatus{job.JobReviseRequested}, 0)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		_, err := w.store.UpdateJob(ctx, j.ID, func(cur job.Job) (job.Job, error) {
			if cur.Status != job.JobReviseRequested {
				return cur, nil
			}
			if cur.Audit.Revision != "" {
				cur.Goal = fmt.Sprintf("%s\n\nRevision: %s", cur.Goal, cur.Audit.Revision)
			}
			cur.Status = job.JobPlanning
			cur.RunID = ""
			return cur, nil
		})
		if err != nil {
			return err
		}
		_ = w.store.AppendEvent(ctx, job.Event{
			JobID:   j.ID,
			Name:    "revision_applied",
			Payload: map[string]any{"revision": j.Audit.Revision},
		})
	}
	return nil
}

// claim attempts to claim up to the worker's concurrency limit of
// claimable jobs. Lost claim races are skipped silently.
func (w *Worker) claim(ctx context.Context) ([]job.Job, error) {
	candidates, err := w.store.ListClaimable(ctx, w.rt.Concurrency.WorkerMax)
	if err != nil {
		return nil, err
	}
	var claimed []job.Job
	for _, c := range candidates {
		j, err := w.store.Claim(ctx, c.ID, w.id, w.rt.Timeouts.Lease)
		if err == store.ErrLeaseConflict {
			continue
		}
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, j)
		if len(claimed) >= w.rt.Concurrency.WorkerMax {
			break
		}
	}
	return claimed, nil
}

// executeJob runs one claimed job under the hard per-job timeout with a
// background heartbeat, then maps the run result onto the job record.
func (w *Worker) executeJob(ctx context.Context, j job.Job) {
	runCtx, cancel := context.WithTimeout(ctx, w.rt.Timeouts.WorkerJob)
	defer cancel()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeat(hbCtx, j.ID)

	j = w.prepareRun(ctx, j)
	w.writeLegacyQueueEntry(j)

	result, err := w.runner.ExecuteRun(runCtx, j)
	stopHeartbeat()

	if runCtx.Err() == context.DeadlineExceeded {
		result = orchestrator.RunResult{
			RunID:   j.RunID,
			Status:  job.RunTimeout,
			Error:   "job timeout",
			Summary: fmt.Sprintf("job timeout after %s", w.rt.Timeouts.WorkerJob),
		}
		err = nil
	}
	if err != nil {
		result.Status = job.RunFailed
		if result.Error == "" {
			result.Error = err.Error()
		}
	}

	w.finishRun(ctx, j, result)
}

// prepareRun transitions the claimed job into its in-flight status and
// stamps the run id the orchestrator will use.
func (w *Worker) prepareRun(ctx context.Context, j job.Job) job.Job {
	now := w.rt.Clock.Now()
	runID := j.RunID
	if runID == "" {
		runID = w.rt.RunIDOverride
	}
	if runID == "" {
		runID = idgen.RunID(now)
	}
	updated, err := w.store.UpdateJob(ctx, j.ID, func(cur job.Job) (job.Job, error) {
		cur.RunID = runID
		cur.RunnerPID = os.Getpid()
		if cur.Status == job.JobQueued {
			cur.Status = job.JobPlanning
		} else {
			cur.Status = job.JobRunning
		}
		return cur, nil
	})
	if err != nil {
		j.RunID = runID
		return j
	}
	_ = w.store.PutRun(ctx, job.Run{
		ID:        runID,
		JobID:     j.ID,
		Status:    job.RunRunning,
		PID:       os.Getpid(),
		WorkerID:  w.id,
		StartedAt: now,
	})
	_ = w.runs.Put(j.ID, status.RunEntry{RunID: runID, Status: job.RunRunning})
	return updated
}

// finishRun maps a run's exit status onto the job per §4.8 step 5,
// persists last_result, applies the retry budget, and projects the run
// status for the SSOT.
func (w *Worker) finishRun(ctx context.Context, j job.Job, result orchestrator.RunResult) {
	now := w.rt.Clock.Now()

	updated, err := w.store.UpdateJob(ctx, j.ID, func(cur job.Job) (job.Job, error) {
		if cur.Status == job.JobCancelled {
			// A cancel landed while the run was in flight; the cancel wins.
			result.Status = job.RunCancelled
			return cur, nil
		}
		cur.LastResult = job.LastResult{
			Status:  string(result.Status),
			Summary: result.Summary,
			At:      now,
		}
		cur.Error = result.Error
		cur.WorkerID = ""
		cur.LeaseUntil = time.Time{}

		switch result.Status {
		case job.RunFinished:
			cur.Status = job.JobCompleted
		case job.RunAwaitingAudit:
			cur.Status = job.JobAwaitingAudit
		case job.RunWaitingHuman:
			cur.Status = job.JobWaitingHuman
			if result.WaitingQuestion != "" {
				cur.HumanInputs = append(cur.HumanInputs, job.HumanInput{
					At:       now,
					Question: result.WaitingQuestion,
					TaskID:   result.WaitingTaskID,
				})
			}
		default: // failed, timeout, error
			cur.AttemptCount++
			if cur.MaxAttempts > 0 && cur.AttemptCount < cur.MaxAttempts {
				cur.Status = job.JobApproved
				cur.RunID = ""
			} else {
				cur.Status = job.JobFailed
			}
		}
		cur.LastNotifiedStatus = string(cur.Status)
		return cur, nil
	})
	if err != nil {
		if w.logger != nil {
			w.logger.Error(ctx, "persist run result failed", "job_id", j.ID, "error", err.Error())
		}
		return
	}

	_ = w.store.PutRun(ctx, job.Run{
		ID:         result.RunID,
		JobID:      j.ID,
		Status:     result.Status,
		WorkerID:   w.id,
		FinishedAt: now,
	})
	_ = w.runs.Put(j.ID, status.RunEntry{RunID: result.RunID, Status: result.Status})
	_ = w.store.AppendEvent(ctx, job.Event{
		JobID: j.ID,
		RunID: result.RunID,
		Name:  "run_finished",
		Payload: map[string]any{
			"run_status": string(result.Status),
			"job_status": string(updated.Status),
			"summary":    result.Summary,
		},
	})
	w.exportSnapshot(updated)
	w.recordMetrics(result)

	if w.logger != nil {
		w.logger.Info(ctx, "run finished",
			"job_id", j.ID,
			"run_id", result.RunID,
			"run_status", string(result.Status),
			"job_status", string(updated.Status))
	}
}

// heartbeat refreshes the job's lease until the run exits.
func (w *Worker) heartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(w.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.Heartbeat(ctx, jobID, w.id, w.rt.Timeouts.Lease, w.rt.Timeouts.HeartbeatLog); err != nil {
				return
			}
		}
	}
}

// exportSnapshot writes the human-readable per-job snapshot.
func (w *Worker) exportSnapshot(j job.Job) {
	_ = snapshot.Write(w.rt.Paths.SnapshotsDir(), j.ID, j)
}

// writeLegacyQueueEntry mirrors the claimed job into the legacy queue
// directory for deployments still reading it; guarded by the compat
// flag and dropped once the cutover completes.
func (w *Worker) writeLegacyQueueEntry(j job.Job) {
	if !w.rt.LegacyQueueCompat {
		return
	}
	dir := w.rt.Paths.QueueJobsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(dir, j.ID+".json"), data, 0o644)
}

func (w *Worker) recordMetrics(result orchestrator.RunResult) {
	w.sloMu.Lock()
	w.runsTotal++
	if strings.Contains(result.Error, "SCHED_LOOP_STALLED") {
		w.runsStalled++
	}
	w.sloMu.Unlock()

	switch result.Status {
	case job.RunFinished:
		w.metrics.IncCounter("conductor.runs.finished", 1)
	case job.RunWaitingHuman, job.RunAwaitingAudit:
		w.metrics.IncCounter("conductor.runs.paused", 1)
	default:
		w.metrics.IncCounter("conductor.runs.failed", 1)
	}
}

// evaluateSLO publishes the running stalled-rate and signal-success
// tallies through the gates recorder, once per drain cycle.
func (w *Worker) evaluateSLO() {
	w.sloMu.Lock()
	in := gates.SLOInputs{ResumeSuccessRate: 1}
	if w.runsTotal > 0 {
		in.StalledRate = float64(w.runsStalled) / float64(w.runsTotal)
	}
	if total := w.signalsOK + w.signalsError; total > 0 {
		in.ResumeSuccessRate = float64(w.signalsOK) / float64(total)
	}
	w.sloMu.Unlock()
	w.slo.Evaluate(in)
}
