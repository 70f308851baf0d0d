// Package gates implements the audit-gate payload, SLO evaluation,
// canary rollout decisions, and the release gate described in §4.12.
package gates

import "fmt"

// AuditFields lists the 7 required AUDIT_GATE fields in order, used
// both to build the payload and to report which ones were missing.
var AuditFields = []string{
	"status", "job_id", "run_id", "goal", "impact_scope", "risk_items", "command_preview",
}

// AuditPayload is the pre-execution approval payload notified as
// workflow_awaiting_audit and surfaced to the operator.
type AuditPayload struct {
	Status          string   `json:"status"`
	JobID           string   `json:"job_id"`
	RunID           string   `json:"run_id"`
	Goal            string   `json:"goal"`
	ImpactScope     string   `json:"impact_scope"`
	RiskItems       string   `json:"risk_items"`
	CommandPreview  string   `json:"command_preview"`
	UserInstruction string   `json:"user_instruction"`
	MissingFields   []string `json:"missing_fields,omitempty"`
}

// BuildAuditPayload assembles the 7-field payload from whatever
// fields the orchestrator collected, filling any empty required field
// with "UNKNOWN (missing <field>)" and recording it in MissingFields
// (§4.7 step 6, §8 property 8). UserInstruction is not one of the 7
// required fields and is passed through unfilled.
func BuildAuditPayload(status, jobID, runID, goal, impactScope, riskItems, commandPreview, userInstruction string) AuditPayload {
	values := map[string]*string{
		"status":          &status,
		"job_id":          &jobID,
		"run_id":          &runID,
		"goal":            &goal,
		"impact_scope":    &impactScope,
		"risk_items":      &riskItems,
		"command_preview": &commandPreview,
	}
	var missing []string
	for _, field := range AuditFields {
		v := values[field]
		if *v == "" {
			*v = fmt.Sprintf("UNKNOWN (missing %s)", field)
			missing = append(missing, field)
		}
	}
	return AuditPayload{
		Status: status, JobID: jobID, RunID: runID, Goal: goal,
		ImpactScope: impactScope, RiskItems: riskItems, CommandPreview: commandPreview,
		UserInstruction: userInstruction, MissingFields: missing,
	}
}

// SLOInputs are the raw rates an operator/metrics pipeline feeds into
// the three SLO gates (§4.12).
type SLOInputs struct {
	StalledRate       float64 // M1: fraction of runs that stalled
	ResumeSuccessRate float64 // M2: fraction of resume signals that succeeded
	TerminalOnceViolations int // M3: count of terminal-once invariant violations observed
}

// SLOResult reports whether each gate passed.
type SLOResult struct {
	M1StalledRateOK       bool
	M2ResumeSuccessRateOK bool
	M3TerminalOnceOK      bool
}

// Pass reports whether every SLO gate passed.
func (r SLOResult) Pass() bool {
	return r.M1StalledRateOK && r.M2ResumeSuccessRateOK && r.M3TerminalOnceOK
}

// EvaluateSLO checks in against the thresholds fixed in §4.12: stalled
// rate ≤ 2%, resume success rate ≥ 99%, zero terminal-once violations.
func EvaluateSLO(in SLOInputs) SLOResult {
	return SLOResult{
		M1StalledRateOK:       in.StalledRate <= 0.02,
		M2ResumeSuccessRateOK: in.ResumeSuccessRate >= 0.99,
		M3TerminalOnceOK:      in.TerminalOnceViolations == 0,
	}
}

// CanaryStages is the fixed promotion ladder from §4.12.
var CanaryStages = []int{5, 20, 50, 100}

// CanaryHealth is the rolling health signal a canary monitor observes
// at the current stage.
type CanaryHealth struct {
	StalledRateRebound float64 // percentage-point rebound vs. baseline
	TerminalReversal   int
	ResumeFailureSpike float64 // percent
}

// CanaryDecision is the outcome of one canary evaluation.
type CanaryDecision string

const (
	CanaryPromote  CanaryDecision = "promote"
	CanaryHold     CanaryDecision = "hold"
	CanaryRollback CanaryDecision = "rollback"
)

// DecideCanary applies the rollback triggers from §4.12, then promotes
// to the next stage when healthy, or holds at 100%.
func DecideCanary(currentStage int, health CanaryHealth) CanaryDecision {
	if health.StalledRateRebound > 5 || health.TerminalReversal > 0 || health.ResumeFailureSpike > 3 {
		return CanaryRollback
	}
	if NextStage(currentStage) == currentStage {
		return CanaryHold
	}
	return CanaryPromote
}

// NextStage returns the next stage after current in CanaryStages, or
// current itself if already at or past the last stage.
func NextStage(current int) int {
	for _, s := range CanaryStages {
		if s > current {
			return s
		}
	}
	return current
}

// ReleaseGate reports whether a release may proceed: the canary
// decision must not be rollback, and every SLO gate must pass.
func ReleaseGate(decision CanaryDecision, slo SLOResult) bool {
	return decision != CanaryRollback && slo.Pass()
}
