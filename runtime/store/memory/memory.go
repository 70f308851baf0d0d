// Package memory provides an in-memory implementation of store.Store,
// suitable for development, testing, and single-node deployments where
// persistence across restarts is not required. It is safe for
// concurrent use: a single mutex guards all state, matching the
// store's single-writer discipline directly rather than striping locks
// per job, since compound operations here are in-process map
// mutations rather than network round-trips.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flowmesh/conductor/runtime/job"
	"github.com/flowmesh/conductor/runtime/store"
)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu sync.Mutex

	jobs    map[string]job.Job
	events  map[string][]job.Event
	runs    map[string]job.Run
	tasks   map[string]map[string]job.TaskState // runID -> taskID -> state
	signals map[string][]job.ControlSignal      // jobID -> pending signals
	seen    map[string]map[string]bool          // jobID -> requestID -> true
}

var _ store.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		jobs:    make(map[string]job.Job),
		events:  make(map[string][]job.Event),
		runs:    make(map[string]job.Run),
		tasks:   make(map[string]map[string]job.TaskState),
		signals: make(map[string][]job.ControlSignal),
		seen:    make(map[string]map[string]bool),
	}
}

func claimable(j job.Job, now time.Time) bool {
	switch j.Status {
	case job.JobQueued, job.JobPlanning, job.JobApproved:
	default:
		return false
	}
	return j.LeaseUntil.IsZero() || !j.LeaseUntil.After(now)
}

// CreateJob implements store.Store.
func (s *Store) CreateJob(ctx context.Context, j job.Job) (job.Job, error) {
	if err := ctxErr(ctx); err != nil {
		return job.Job{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	return j, nil
}

// GetJob implements store.Store.
func (s *Store) GetJob(ctx context.Context, id string) (job.Job, error) {
	if err := ctxErr(ctx); err != nil {
		return job.Job{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, store.ErrNotFound
	}
	return j, nil
}

// UpdateJob implements store.Store.
func (s *Store) UpdateJob(ctx context.Context, id string, fn func(job.Job) (job.Job, error)) (job.Job, error) {
	if err := ctxErr(ctx); err != nil {
		return job.Job{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[id]
	if !ok {
		return job.Job{}, store.ErrNotFound
	}
	next, err := fn(cur)
	if err != nil {
		return job.Job{}, err
	}
	next.UpdatedAt = time.Now().UTC()
	s.jobs[id] = next
	return next, nil
}

// ListClaimable implements store.Store.
func (s *Store) ListClaimable(ctx context.Context, limit int) ([]job.Job, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var out []job.Job
	for _, j := range s.sortedJobs() {
		if !claimable(j, now) {
			continue
		}
		out = append(out, j)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListByStatus implements store.Store.
func (s *Store) ListByStatus(ctx context.Context, statuses []job.JobStatus, limit int) ([]job.Job, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[job.JobStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []job.Job
	for _, j := range s.sortedJobs() {
		if !want[j.Status] {
			continue
		}
		out = append(out, j)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListStale implements store.Store.
func (s *Store) ListStale(ctx context.Context, olderThan time.Time) ([]job.Job, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []job.Job
	for _, j := range s.sortedJobs() {
		if j.Status != job.JobRunning && j.Status != job.JobPlanning {
			continue
		}
		if j.HeartbeatAt.IsZero() || j.HeartbeatAt.Before(olderThan) || (!j.LeaseUntil.IsZero() && j.LeaseUntil.Before(olderThan)) {
			out = append(out, j)
		}
	}
	return out, nil
}

// Claim implements store.Store.
func (s *Store) Claim(ctx context.Context, id, workerID string, leaseFor time.Duration) (job.Job, error) {
	if err := ctxErr(ctx); err != nil {
		return job.Job{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, store.ErrNotFound
	}
	now := time.Now().UTC()
	if !claimable(j, now) {
		return job.Job{}, store.ErrLeaseConflict
	}
	j.WorkerID = workerID
	j.LeaseUntil = now.Add(leaseFor)
	j.HeartbeatAt = now
	j.UpdatedAt = now
	s.jobs[id] = j
	s.appendLocked(job.Event{JobID: id, TS: now, Name: "job_claimed", Payload: map[string]any{"worker_id": workerID}})
	return j, nil
}

// Heartbeat implements store.Store.
func (s *Store) Heartbeat(ctx context.Context, id, workerID string, leaseFor, throttle time.Duration) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if j.WorkerID != workerID {
		return store.ErrLeaseConflict
	}
	now := time.Now().UTC()
	j.LeaseUntil = now.Add(leaseFor)
	j.HeartbeatAt = now
	j.UpdatedAt = now
	logThrottled := j.LastHeartbeatLog.IsZero() || now.Sub(j.LastHeartbeatLog) >= throttle
	if logThrottled {
		j.LastHeartbeatLog = now
	}
	s.jobs[id] = j
	if logThrottled {
		s.appendLocked(job.Event{JobID: id, TS: now, Name: "heartbeat", Payload: map[string]any{"worker_id": workerID}})
	}
	return nil
}

// AppendEvent implements store.Store.
func (s *Store) AppendEvent(ctx context.Context, e job.Event) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(e)
	return nil
}

func (s *Store) appendLocked(e job.Event) {
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	s.events[e.JobID] = append(s.events[e.JobID], e)
}

// ListEvents implements store.Store.
func (s *Store) ListEvents(ctx context.Context, jobID string) ([]job.Event, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]job.Event, len(s.events[jobID]))
	copy(out, s.events[jobID])
	return out, nil
}

// PutRun implements store.Store.
func (s *Store) PutRun(ctx context.Context, r job.Run) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = r
	return nil
}

// GetRun implements store.Store.
func (s *Store) GetRun(ctx context.Context, runID string) (job.Run, error) {
	if err := ctxErr(ctx); err != nil {
		return job.Run{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return job.Run{}, store.ErrNotFound
	}
	return r, nil
}

// PutTaskState implements store.Store. Transitions out of a terminal
// status into a non-terminal one are rejected silently (the caller's
// intent is stale); the stored terminal state is preserved.
func (s *Store) PutTaskState(ctx context.Context, runID string, ts job.TaskState) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byTask, ok := s.tasks[runID]
	if !ok {
		byTask = make(map[string]job.TaskState)
		s.tasks[runID] = byTask
	}
	if cur, ok := byTask[ts.TaskID]; ok && cur.Status.IsTerminal() && !ts.Status.IsTerminal() {
		return nil
	}
	if ts.UpdatedAt.IsZero() {
		ts.UpdatedAt = time.Now().UTC()
	}
	byTask[ts.TaskID] = ts
	return nil
}

// ListTaskStates implements store.Store.
func (s *Store) ListTaskStates(ctx context.Context, runID string) ([]job.TaskState, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byTask := s.tasks[runID]
	out := make([]job.TaskState, 0, len(byTask))
	for _, ts := range byTask {
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

// PutSignal implements store.Store.
func (s *Store) PutSignal(ctx context.Context, sig job.ControlSignal) (bool, error) {
	if err := ctxErr(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seen, ok := s.seen[sig.JobID]
	if !ok {
		seen = make(map[string]bool)
		s.seen[sig.JobID] = seen
	}
	if sig.RequestID != "" && seen[sig.RequestID] {
		return true, nil
	}
	if sig.RequestID != "" {
		seen[sig.RequestID] = true
	}
	s.signals[sig.JobID] = append(s.signals[sig.JobID], sig)
	return false, nil
}

// DrainSignals implements store.Store.
func (s *Store) DrainSignals(ctx context.Context, jobID string) ([]job.ControlSignal, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sigs := s.signals[jobID]
	delete(s.signals, jobID)
	sort.Slice(sigs, func(i, j int) bool { return sigs[i].SignalSeq < sigs[j].SignalSeq })
	return sigs, nil
}

// State is the serializable content of the store, used by the
// file-backed store to persist across process restarts.
type State struct {
	Jobs    map[string]job.Job                  `json:"jobs"`
	Events  map[string][]job.Event              `json:"events"`
	Runs    map[string]job.Run                  `json:"runs"`
	Tasks   map[string]map[string]job.TaskState `json:"tasks"`
	Signals map[string][]job.ControlSignal      `json:"signals"`
	Seen    map[string]map[string]bool          `json:"seen_request_ids"`
}

// Export copies the store's entire content.
func (s *Store) Export() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		Jobs:    make(map[string]job.Job, len(s.jobs)),
		Events:  make(map[string][]job.Event, len(s.events)),
		Runs:    make(map[string]job.Run, len(s.runs)),
		Tasks:   make(map[string]map[string]job.TaskState, len(s.tasks)),
		Signals: make(map[string][]job.ControlSignal, len(s.signals)),
		Seen:    make(map[string]map[string]bool, len(s.seen)),
	}
	for k, v := range s.jobs {
		st.Jobs[k] = v
	}
	for k, v := range s.events {
		st.Events[k] = append([]job.Event(nil), v...)
	}
	for k, v := range s.runs {
		st.Runs[k] = v
	}
	for k, v := range s.tasks {
		inner := make(map[string]job.TaskState, len(v))
		for tk, tv := range v {
			inner[tk] = tv
		}
		st.Tasks[k] = inner
	}
	for k, v := range s.signals {
		st.Signals[k] = append([]job.ControlSignal(nil), v...)
	}
	for k, v := range s.seen {
		inner := make(map[string]bool, len(v))
		for sk, sv := range v {
			inner[sk] = sv
		}
		st.Seen[k] = inner
	}
	return st
}

// Import replaces the store's entire content. Nil maps in st become
// empty ones so the store never dereferences nil.
func (s *Store) Import(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = orEmptyJobs(st.Jobs)
	s.events = orEmptyEvents(st.Events)
	s.runs = orEmptyRuns(st.Runs)
	s.tasks = orEmptyTasks(st.Tasks)
	s.signals = orEmptySignals(st.Signals)
	s.seen = orEmptySeen(st.Seen)
}

func orEmptyJobs(m map[string]job.Job) map[string]job.Job {
	if m == nil {
		return make(map[string]job.Job)
	}
	return m
}

func orEmptyEvents(m map[string][]job.Event) map[string][]job.Event {
	if m == nil {
		return make(map[string][]job.Event)
	}
	return m
}

func orEmptyRuns(m map[string]job.Run) map[string]job.Run {
	if m == nil {
		return make(map[string]job.Run)
	}
	return m
}

func orEmptyTasks(m map[string]map[string]job.TaskState) map[string]map[string]job.TaskState {
	if m == nil {
		return make(map[string]map[string]job.TaskState)
	}
	return m
}

func orEmptySignals(m map[string][]job.ControlSignal) map[string][]job.ControlSignal {
	if m == nil {
		return make(map[string][]job.ControlSignal)
	}
	return m
}

func orEmptySeen(m map[string]map[string]bool) map[string]map[string]bool {
	if m == nil {
		return make(map[string]map[string]bool)
	}
	return m
}

func (s *Store) sortedJobs() []job.Job {
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]job.Job, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.jobs[id])
	}
	return out
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
