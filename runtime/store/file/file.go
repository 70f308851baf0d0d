// Package file implements store.Store for single-node deployments: the
// full store content lives in one JSON file (orchestrator.db under the
// project state directory), loaded at open and rewritten
// crash-atomically after every mutation. It delegates all semantics to
// the in-memory store and adds only persistence, so the two backends
// cannot drift.
package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/flowmesh/conductor/internal/errkind"
	"github.com/flowmesh/conductor/runtime/job"
	"github.com/flowmesh/conductor/runtime/store"
	"github.com/flowmesh/conductor/runtime/store/memory"
)

// DBFileName is the store file's name under the state directory.
const DBFileName = "orchestrator.db"

// Store is a file-backed store.Store.
type Store struct {
	mem  *memory.Store
	path string

	// mu serializes mutate-then-persist sequences so two writers cannot
	// interleave a stale persist over a newer one.
	mu sync.Mutex
}

var _ store.Store = (*Store)(nil)

// Open loads (or initializes) the store file under stateDir.
func Open(stateDir string) (*Store, error) {
	s := &Store{
		mem:  memory.New(),
		path: filepath.Join(stateDir, DBFileName),
	}
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, errkind.New(errkind.Resource, "file.Open", err)
	}
	if len(data) == 0 {
		return s, nil
	}
	var st memory.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, errkind.New(errkind.Resource, "file.Open", err)
	}
	s.mem.Import(st)
	return s, nil
}

func (s *Store) persist() error {
	data, err := json.Marshal(s.mem.Export())
	if err != nil {
		return errkind.New(errkind.Resource, "file.persist", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errkind.New(errkind.Resource, "file.persist", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errkind.New(errkind.Resource, "file.persist", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errkind.New(errkind.Resource, "file.persist", err)
	}
	return nil
}

func (s *Store) CreateJob(ctx context.Context, j job.Job) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := s.mem.CreateJob(ctx, j)
	if err != nil {
		return job.Job{}, err
	}
	return out, s.persist()
}

func (s *Store) GetJob(ctx context.Context, id string) (job.Job, error) {
	return s.mem.GetJob(ctx, id)
}

func (s *Store) UpdateJob(ctx context.Context, id string, fn func(job.Job) (job.Job, error)) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := s.mem.UpdateJob(ctx, id, fn)
	if err != nil {
		return job.Job{}, err
	}
	return out, s.persist()
}

func (s *Store) ListClaimable(ctx context.Context, limit int) ([]job.Job, error) {
	return s.mem.ListClaimable(ctx, limit)
}

func (s *Store) ListStale(ctx context.Context, olderThan time.Time) ([]job.Job, error) {
	return s.mem.ListStale(ctx, olderThan)
}

func (s *Store) ListByStatus(ctx context.Context, statuses []job.JobStatus, limit int) ([]job.Job, error) {
	return s.mem.ListByStatus(ctx, statuses, limit)
}

func (s *Store) Claim(ctx context.Context, id, workerID string, leaseFor time.Duration) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := s.mem.Claim(ctx, id, workerID, leaseFor)
	if err != nil {
		return job.Job{}, err
	}
	return out, s.persist()
}

func (s *Store) Heartbeat(ctx context.Context, id, workerID string, leaseFor, throttle time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.Heartbeat(ctx, id, workerID, leaseFor, throttle); err != nil {
		return err
	}
	return s.persist()
}

func (s *Store) AppendEvent(ctx context.Context, e job.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.AppendEvent(ctx, e); err != nil {
		return err
	}
	return s.persist()
}

func (s *Store) ListEvents(ctx context.Context, jobID string) ([]job.Event, error) {
	return s.mem.ListEvents(ctx, jobID)
}

func (s *Store) PutRun(ctx context.Context, r job.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.PutRun(ctx, r); err != nil {
		return err
	}
	return s.persist()
}

func (s *Store) GetRun(ctx context.Context, runID string) (job.Run, error) {
	return s.mem.GetRun(ctx, runID)
}

func (s *Store) PutTaskState(ctx context.Context, runID string, ts job.TaskState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.PutTaskState(ctx, runID, ts); err != nil {
		return err
	}
	return s.persist()
}

func (s *Store) ListTaskStates(ctx context.Context, runID string) ([]job.TaskState, error) {
	return s.mem.ListTaskStates(ctx, runID)
}

func (s *Store) PutSignal(ctx context.Context, sig job.ControlSignal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deduped, err := s.mem.PutSignal(ctx, sig)
	if err != nil {
		return false, err
	}
	return deduped, s.persist()
}

func (s *Store) DrainSignals(ctx context.Context, jobID string) ([]job.ControlSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := s.mem.DrainSignals(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return out, s.persist()
}
