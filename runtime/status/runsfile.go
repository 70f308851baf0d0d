package status

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/flowmesh/conductor/runtime/job"
)

// RunsFile is the temporal_runs.json projection: the tier-1 source of
// run status for the SSOT. The worker writes an entry after every run
// transition; readers treat a missing file or missing entry as "no
// tier-1 source" and fall back to last_result.status.
type RunsFile struct {
	path string

	mu sync.Mutex
}

// RunEntry is one job's projected run status.
type RunEntry struct {
	RunID  string        `json:"run_id"`
	Status job.RunStatus `json:"status"`
}

// NewRunsFile returns a RunsFile persisting to path.
func NewRunsFile(path string) *RunsFile {
	return &RunsFile{path: path}
}

// Get returns the projected run status for jobID, if recorded.
func (f *RunsFile) Get(jobID string) (RunEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := f.load()
	if err != nil {
		return RunEntry{}, false, err
	}
	e, ok := entries[jobID]
	return e, ok, nil
}

// Put records the projected run status for jobID, crash-atomically.
func (f *RunsFile) Put(jobID string, e RunEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := f.load()
	if err != nil {
		return err
	}
	entries[jobID] = e
	return f.save(entries)
}

func (f *RunsFile) load() (map[string]RunEntry, error) {
	entries := make(map[string]RunEntry)
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return entries, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (f *RunsFile) save(entries map[string]RunEntry) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

// SourcesFor assembles the RunStatusSources for a job from the runs
// file and the job's last result, applying the documented precedence.
func (f *RunsFile) SourcesFor(j job.Job) (RunStatusSources, error) {
	var sources RunStatusSources
	entry, ok, err := f.Get(j.ID)
	if err != nil {
		return sources, err
	}
	if ok {
		sources.TemporalRunState = entry.Status
		sources.HasTemporal = true
	}
	if j.LastResult.Status != "" {
		sources.LastResultStatus = job.RunStatus(j.LastResult.Status)
		sources.HasLastResult = true
	}
	return sources, nil
}
