// Package mongo implements store.Store on top of MongoDB for production
// deployments, mirroring the delegation shape of the teacher's
// features/run/mongo.Store: a thin Store forwards to a
// clients/mongo.Client that owns the actual driver calls.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/flowmesh/conductor/internal/keyedmutex"
	clientsmongo "github.com/flowmesh/conductor/runtime/store/mongo/clients/mongo"
	"github.com/flowmesh/conductor/runtime/job"
	"github.com/flowmesh/conductor/runtime/store"
)

// Store implements store.Store by delegating to a Mongo client, adding
// the atomic claim/heartbeat semantics the interface requires on top
// of the client's document-level operations.
type Store struct {
	client clientsmongo.Client
	jobs   *mongodriver.Collection

	// locks serializes compound read-modify-write sequences per job id
	// within this process; claim and heartbeat are already atomic at
	// the collection level via filter-and-update.
	locks *keyedmutex.Striped
}

var _ store.Store = (*Store)(nil)

// Options configures the Mongo-backed Store.
type Options struct {
	Client   clientsmongo.Client
	JobsColl *mongodriver.Collection
}

// NewStore builds a Store using an already-constructed Mongo client.
// JobsColl is required for the atomic Claim/Heartbeat filter-update
// calls that the narrow clientsmongo.Client interface does not expose.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	if opts.JobsColl == nil {
		return nil, errors.New("jobs collection is required")
	}
	return &Store{client: opts.Client, jobs: opts.JobsColl, locks: keyedmutex.New(64)}, nil
}

func (s *Store) CreateJob(ctx context.Context, j job.Job) (job.Job, error) {
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	return j, s.client.UpsertJob(ctx, j)
}

func (s *Store) GetJob(ctx context.Context, id string) (job.Job, error) {
	j, ok, err := s.client.FindJob(ctx, id)
	if err != nil {
		return job.Job{}, err
	}
	if !ok {
		return job.Job{}, store.ErrNotFound
	}
	return j, nil
}

// UpdateJob performs an optimistic read-modify-write: it fetches the
// current document, applies fn, and writes the result back. Conductor
// runs a single writer process per job id (enforced by the lease), so
// a compare-and-swap on a version field is unnecessary here; the
// in-memory store documents the same contract for tests.
func (s *Store) UpdateJob(ctx context.Context, id string, fn func(job.Job) (job.Job, error)) (job.Job, error) {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)
	cur, err := s.GetJob(ctx, id)
	if err != nil {
		return job.Job{}, err
	}
	next, err := fn(cur)
	if err != nil {
		return job.Job{}, err
	}
	next.UpdatedAt = time.Now().UTC()
	if err := s.client.UpsertJob(ctx, next); err != nil {
		return job.Job{}, err
	}
	return next, nil
}

func (s *Store) ListClaimable(ctx context.Context, limit int) ([]job.Job, error) {
	return s.client.FindJobsByStatus(ctx, []job.JobStatus{job.JobQueued, job.JobPlanning, job.JobApproved}, limit)
}

func (s *Store) ListByStatus(ctx context.Context, statuses []job.JobStatus, limit int) ([]job.Job, error) {
	return s.client.FindJobsByStatus(ctx, statuses, limit)
}

func (s *Store) ListStale(ctx context.Context, olderThan time.Time) ([]job.Job, error) {
	jobs, err := s.client.FindJobsByStatus(ctx, []job.JobStatus{job.JobRunning, job.JobPlanning}, 0)
	if err != nil {
		return nil, err
	}
	var out []job.Job
	for _, j := range jobs {
		if j.HeartbeatAt.IsZero() || j.HeartbeatAt.Before(olderThan) || (!j.LeaseUntil.IsZero() && j.LeaseUntil.Before(olderThan)) {
			out = append(out, j)
		}
	}
	return out, nil
}

// Claim performs an atomic filter-and-update: the update only matches
// when the job is still in a claimable status with an expired lease,
// so concurrent claims from distinct workers result in exactly one
// success (§8 property 6).
func (s *Store) Claim(ctx context.Context, id, workerID string, leaseFor time.Duration) (job.Job, error) {
	now := time.Now().UTC()
	filter := bson.M{
		"job_id": id,
		"status": bson.M{"$in": []job.JobStatus{job.JobQueued, job.JobPlanning, job.JobApproved}},
		"$or": []bson.M{
			{"lease_until": bson.M{"$exists": false}},
			{"lease_until": bson.M{"$lte": now}},
			{"lease_until": time.Time{}},
		},
	}
	update := bson.M{"$set": bson.M{
		"worker_id": workerID, "lease_until": now.Add(leaseFor),
		"heartbeat_at": now, "updated_at": now,
	}}
	res, err := s.jobs.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(false))
	if err != nil {
		return job.Job{}, err
	}
	if res.MatchedCount == 0 {
		return job.Job{}, store.ErrLeaseConflict
	}
	if err := s.client.AppendEvent(ctx, job.Event{JobID: id, TS: now, Name: "job_claimed", Payload: map[string]any{"worker_id": workerID}}); err != nil {
		return job.Job{}, err
	}
	return s.GetJob(ctx, id)
}

func (s *Store) Heartbeat(ctx context.Context, id, workerID string, leaseFor, throttle time.Duration) error {
	now := time.Now().UTC()
	filter := bson.M{"job_id": id, "worker_id": workerID}
	res, err := s.jobs.UpdateOne(ctx, filter, bson.M{"$set": bson.M{
		"lease_until": now.Add(leaseFor), "heartbeat_at": now, "updated_at": now,
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrLeaseConflict
	}
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j.LastHeartbeatLog.IsZero() || now.Sub(j.LastHeartbeatLog) >= throttle {
		if _, err := s.jobs.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"last_heartbeat_log": now}}); err != nil {
			return err
		}
		return s.client.AppendEvent(ctx, job.Event{JobID: id, TS: now, Name: "heartbeat", Payload: map[string]any{"worker_id": workerID}})
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, e job.Event) error {
	return s.client.AppendEvent(ctx, e)
}

func (s *Store) ListEvents(ctx context.Context, jobID string) ([]job.Event, error) {
	return s.client.FindEvents(ctx, jobID)
}

func (s *Store) PutRun(ctx context.Context, r job.Run) error {
	return s.client.UpsertRun(ctx, r)
}

func (s *Store) GetRun(ctx context.Context, runID string) (job.Run, error) {
	r, ok, err := s.client.FindRun(ctx, runID)
	if err != nil {
		return job.Run{}, err
	}
	if !ok {
		return job.Run{}, store.ErrNotFound
	}
	return r, nil
}

func (s *Store) PutTaskState(ctx context.Context, runID string, ts job.TaskState) error {
	existing, err := s.client.FindTaskStates(ctx, runID)
	if err != nil {
		return err
	}
	for _, cur := range existing {
		if cur.TaskID == ts.TaskID && cur.Status.IsTerminal() && !ts.Status.IsTerminal() {
			return nil
		}
	}
	return s.client.UpsertTaskState(ctx, runID, ts)
}

func (s *Store) ListTaskStates(ctx context.Context, runID string) ([]job.TaskState, error) {
	return s.client.FindTaskStates(ctx, runID)
}

func (s *Store) PutSignal(ctx context.Context, sig job.ControlSignal) (bool, error) {
	return s.client.InsertSignalIfNew(ctx, sig)
}

func (s *Store) DrainSignals(ctx context.Context, jobID string) ([]job.ControlSignal, error) {
	return s.client.DrainSignals(ctx, jobID)
}
