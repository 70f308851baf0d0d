// Package store defines the durable, single-writer persistence interface
// for jobs, runs, tasks, events, and control signals (C1). Implementations
// must be safe for concurrent use and must make claim, heartbeat, and
// stale-recovery operations atomic: a compound read-modify-write on a
// single job id is never interleaved with another writer's
// read-modify-write on the same job id.
//
// Three backends are provided: memory (development, tests), file
// (single-node deployments, persisted to one JSON file), and mongo
// (production). All implement this interface;
// callers depend only on Store.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/flowmesh/conductor/runtime/job"
)

// ErrNotFound is returned when a job, run, or task lookup misses.
var ErrNotFound = errors.New("store: not found")

// ErrLeaseConflict is returned by Claim when the job was not in a
// claimable state or its lease had not expired — the caller lost the
// race to another worker and should move on to the next job.
var ErrLeaseConflict = errors.New("store: lease conflict")

// Store is the durable state store interface every Conductor component
// reads and writes through. No component other than the store itself
// holds a writable reference to the underlying records.
type Store interface {
	// CreateJob persists j with the status it carries and returns it.
	CreateJob(ctx context.Context, j job.Job) (job.Job, error)
	// GetJob returns the current record for id, or ErrNotFound.
	GetJob(ctx context.Context, id string) (job.Job, error)
	// UpdateJob applies fn to the current record and persists the
	// result atomically with respect to other UpdateJob/Claim callers
	// for the same id. fn may return an error to abort the update
	// (the store performs no partial write in that case).
	UpdateJob(ctx context.Context, id string, fn func(job.Job) (job.Job, error)) (job.Job, error)
	// ListClaimable returns jobs whose status is queued, planning, or
	// approved and whose lease has expired or was never set — the set
	// a worker may attempt to Claim.
	ListClaimable(ctx context.Context, limit int) ([]job.Job, error)
	// ListStale returns jobs in running or planning status whose
	// heartbeat is older than olderThan, for stale recovery.
	ListStale(ctx context.Context, olderThan time.Time) ([]job.Job, error)
	// ListByStatus returns jobs in any of the given statuses; limit 0
	// means unbounded. The memory and file backends return them in job
	// id order; the mongo backend does not sort them.
	ListByStatus(ctx context.Context, statuses []job.JobStatus, limit int) ([]job.Job, error)

	// Claim atomically assigns workerID to job id and extends its
	// lease by leaseFor, provided the job is in a claimable state and
	// its lease has expired. Returns ErrLeaseConflict if another
	// worker already holds a live lease, or ErrNotFound.
	Claim(ctx context.Context, id, workerID string, leaseFor time.Duration) (job.Job, error)
	// Heartbeat extends a held lease and refreshes heartbeat_at. It
	// emits a throttled heartbeat event at most once per throttle
	// window (§4.1).
	Heartbeat(ctx context.Context, id, workerID string, leaseFor, throttle time.Duration) error

	// AppendEvent appends an immutable audit row for a job (optionally
	// scoped to a run).
	AppendEvent(ctx context.Context, e job.Event) error
	// ListEvents returns every event recorded for a job, oldest first.
	ListEvents(ctx context.Context, jobID string) ([]job.Event, error)

	// PutRun upserts a run record.
	PutRun(ctx context.Context, r job.Run) error
	// GetRun returns a run record, or ErrNotFound.
	GetRun(ctx context.Context, runID string) (job.Run, error)

	// PutTaskState upserts a task's runtime state within a run.
	// Implementations must reject (without mutating) transitions out
	// of a terminal TaskRunStatus into a non-terminal one.
	PutTaskState(ctx context.Context, runID string, ts job.TaskState) error
	// ListTaskStates returns every task state recorded for a run.
	ListTaskStates(ctx context.Context, runID string) ([]job.TaskState, error)

	// PutSignal appends a control signal, deduped by RequestID: a
	// second PutSignal with a previously seen RequestID for the same
	// job is a no-op and returns deduped=true.
	PutSignal(ctx context.Context, s job.ControlSignal) (deduped bool, err error)
	// DrainSignals returns and removes every pending signal for a job,
	// ordered by SignalSeq.
	DrainSignals(ctx context.Context, jobID string) ([]job.ControlSignal, error)
}
