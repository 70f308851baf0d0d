package config

import "path/filepath"

// The canonical persisted-state layout under <BASE_PATH>/<project_id>
// (§6.5). Every component resolves its files through these helpers so
// the layout is defined exactly once.

// OrchestratorDir returns <root>/.orchestrator.
func (p Paths) OrchestratorDir() string {
	return filepath.Join(p.Root(), ".orchestrator")
}

// StateDir returns the durable state directory holding the store file,
// job snapshots, the signal queue, and run-status projections.
func (p Paths) StateDir() string {
	return filepath.Join(p.OrchestratorDir(), "state")
}

// SnapshotsDir returns the per-job snapshot directory.
func (p Paths) SnapshotsDir() string {
	return filepath.Join(p.StateDir(), "jobs")
}

// TasksDir returns the per-task metadata directory.
func (p Paths) TasksDir() string {
	return filepath.Join(p.OrchestratorDir(), "tasks")
}

// RunsDir returns the run report directory.
func (p Paths) RunsDir() string {
	return filepath.Join(p.OrchestratorDir(), "runs")
}

// LogsDir returns the per-run log directory.
func (p Paths) LogsDir() string {
	return filepath.Join(p.OrchestratorDir(), "logs")
}

// QueueJobsDir returns the legacy queue-mode job directory, kept for
// compatibility behind ORCH_LEGACY_QUEUE_COMPAT.
func (p Paths) QueueJobsDir() string {
	return filepath.Join(p.OrchestratorDir(), "queue", "jobs")
}

// TemporalRunsFile returns the run-status projection file, the tier-1
// source for the status SSOT.
func (p Paths) TemporalRunsFile() string {
	return filepath.Join(p.StateDir(), "temporal_runs.json")
}

// WaitingFile returns the active waiting-human context file for a run.
func (p Paths) WaitingFile(runID string) string {
	return filepath.Join(p.StateDir(), "waiting_"+runID+".json")
}

// AuditFile returns the captured pre-execution plan file for a run.
func (p Paths) AuditFile(runID string) string {
	return filepath.Join(p.StateDir(), "audit_"+runID+".json")
}

// SchedulerExceptionsFile returns the classified scheduler-error log.
func (p Paths) SchedulerExceptionsFile() string {
	return filepath.Join(p.StateDir(), "scheduler_exceptions.jsonl")
}
