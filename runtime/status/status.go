// Package status implements the Status SSOT (C10): reconciling
// independent job and run state machines into one externally
// observable status_view, with a source precedence for run status and
// divergence detection (§4.10).
package status

import (
	"github.com/flowmesh/conductor/runtime/job"
)

// View is one of the four externally observable statuses.
type View string

const (
	ViewRunning View = "running"
	ViewWaiting View = "waiting"
	ViewDone    View = "done"
	ViewFailed  View = "failed"
)

// Severity classifies how far a divergence deviates from the chosen
// source of truth.
type Severity string

const (
	SeverityLow  Severity = "low"
	SeverityHigh Severity = "high"
)

// Divergence is recorded when the chosen run-status source disagrees
// with another candidate source by more than one category (§4.10).
type Divergence struct {
	RunID     string
	Severity  Severity
	ActionHint string
}

// RunStatusSources carries the three candidate sources for run status
// that §4.10 ranks by precedence: the temporal-run-state file (tier
// 1), job.LastResult.Status (tier 2), and job.Status itself (tier 3,
// used only when the run has not started).
type RunStatusSources struct {
	// TemporalRunState is the run status recorded in
	// temporal_runs.json, if present.
	TemporalRunState job.RunStatus
	HasTemporal      bool

	// LastResultStatus is job.LastResult.Status, parsed as a RunStatus.
	LastResultStatus job.RunStatus
	HasLastResult    bool
}

// category buckets a (job, run) status pair into one of the four
// externally observable categories, or "" if neither side falls into
// a recognized state (an invariant violation per §4.10).
func category(js job.JobStatus, rs job.RunStatus, hasRun bool) View {
	switch js {
	case job.JobAwaitingAudit, job.JobWaitingHuman, job.JobReviseRequested:
		return ViewWaiting
	case job.JobRunning, job.JobPlanning, job.JobApproved:
		return ViewRunning
	case job.JobCompleted:
		if hasRun && (rs == job.RunFinished) {
			return ViewDone
		}
	case job.JobFailed, job.JobCancelled:
		return ViewFailed
	}
	if hasRun {
		switch rs {
		case job.RunAwaitingAudit, job.RunWaitingHuman:
			return ViewWaiting
		case job.RunRunning, job.RunRetrying, job.RunQueued:
			return ViewRunning
		case job.RunFailed, job.RunCancelled, job.RunTimeout, job.RunError:
			return ViewFailed
		}
	}
	return ""
}

// severityRank orders Views so a >1-category jump can be detected
// between the chosen source and a runner-up candidate.
var severityRank = map[View]int{
	ViewRunning: 0,
	ViewWaiting: 1,
	ViewDone: 2,
	ViewFailed: 3,
}

// Resolve computes status_view for j given the three candidate run
// status sources, returning a *Divergence when the chosen source
// disagrees with another candidate by more than one category.
//
// Source precedence for run_status: TemporalRunState > LastResultStatus
// > job.Status alone.
func Resolve(j job.Job, sources RunStatusSources) (View, *Divergence, error) {
	var chosenRunStatus job.RunStatus
	haveRun := false
	if sources.HasTemporal {
		chosenRunStatus = sources.TemporalRunState
		haveRun = true
	} else if sources.HasLastResult {
		chosenRunStatus = sources.LastResultStatus
		haveRun = true
	}

	view := category(j.Status, chosenRunStatus, haveRun)
	if view == "" {
		return "", nil, &InvariantViolation{JobStatus: j.Status, RunStatus: chosenRunStatus}
	}

	var div *Divergence
	if sources.HasTemporal && sources.HasLastResult {
		other := category(j.Status, sources.LastResultStatus, true)
		if other != "" && diverges(view, other) {
			div = &Divergence{RunID: j.RunID, Severity: severityOf(view, other), ActionHint: "reconcile temporal_runs.json against last_result"}
		}
	}
	return view, div, nil
}

func diverges(a, b View) bool {
	ra, oka := severityRank[a]
	rb, okb := severityRank[b]
	if !oka || !okb {
		return a != b
	}
	d := ra - rb
	if d < 0 {
		d = -d
	}
	return d > 1
}

func severityOf(a, b View) Severity {
	ra, rb := severityRank[a], severityRank[b]
	d := ra - rb
	if d < 0 {
		d = -d
	}
	if d >= 2 {
		return SeverityHigh
	}
	return SeverityLow
}

// InvariantViolation is returned when a (job_status, run_status) pair
// falls outside the mapping table in §4.10.
type InvariantViolation struct {
	JobStatus job.JobStatus
	RunStatus job.RunStatus
}

func (e *InvariantViolation) Error() string {
	return "status: invariant violation: unmapped (job_status=" + string(e.JobStatus) + ", run_status=" + string(e.RunStatus) + ")"
}
