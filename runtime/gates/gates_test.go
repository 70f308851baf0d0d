package gates

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/conductor/internal/telemetry"
)

func TestBuildAuditPayloadComplete(t *testing.T) {
	p := BuildAuditPayload("awaiting_audit", "j1", "r1", "ship it", "2 tasks", "none", "be -> build", "ship it")
	require.Empty(t, p.MissingFields)
	require.Equal(t, "j1", p.JobID)
	require.Equal(t, "ship it", p.UserInstruction)
}

func TestBuildAuditPayloadFillsMissing(t *testing.T) {
	p := BuildAuditPayload("awaiting_audit", "j1", "", "goal", "", "", "preview", "")
	require.Equal(t, []string{"run_id", "impact_scope", "risk_items"}, p.MissingFields)
	require.Equal(t, "UNKNOWN (missing run_id)", p.RunID)
	require.Equal(t, "UNKNOWN (missing impact_scope)", p.ImpactScope)
	require.Equal(t, "UNKNOWN (missing risk_items)", p.RiskItems)
	require.Equal(t, "", p.UserInstruction, "user_instruction is not one of the 7 required fields")
}

func TestEvaluateSLO(t *testing.T) {
	pass := EvaluateSLO(SLOInputs{StalledRate: 0.02, ResumeSuccessRate: 0.99, TerminalOnceViolations: 0})
	require.True(t, pass.Pass())

	fail := EvaluateSLO(SLOInputs{StalledRate: 0.021, ResumeSuccessRate: 1, TerminalOnceViolations: 0})
	require.False(t, fail.M1StalledRateOK)
	require.False(t, fail.Pass())

	fail = EvaluateSLO(SLOInputs{StalledRate: 0, ResumeSuccessRate: 0.98, TerminalOnceViolations: 0})
	require.False(t, fail.M2ResumeSuccessRateOK)

	fail = EvaluateSLO(SLOInputs{StalledRate: 0, ResumeSuccessRate: 1, TerminalOnceViolations: 1})
	require.False(t, fail.M3TerminalOnceOK)
}

func TestDecideCanary(t *testing.T) {
	healthy := CanaryHealth{}
	require.Equal(t, CanaryPromote, DecideCanary(5, healthy))
	require.Equal(t, CanaryPromote, DecideCanary(50, healthy))
	require.Equal(t, CanaryHold, DecideCanary(100, healthy))

	require.Equal(t, CanaryRollback, DecideCanary(20, CanaryHealth{StalledRateRebound: 5.1}))
	require.Equal(t, CanaryRollback, DecideCanary(20, CanaryHealth{TerminalReversal: 1}))
	require.Equal(t, CanaryRollback, DecideCanary(20, CanaryHealth{ResumeFailureSpike: 3.1}))
}

func TestNextStage(t *testing.T) {
	require.Equal(t, 5, NextStage(0))
	require.Equal(t, 20, NextStage(5))
	require.Equal(t, 100, NextStage(50))
	require.Equal(t, 100, NextStage(100))
}

func TestReleaseGate(t *testing.T) {
	pass := EvaluateSLO(SLOInputs{ResumeSuccessRate: 1})
	require.True(t, ReleaseGate(CanaryPromote, pass))
	require.True(t, ReleaseGate(CanaryHold, pass))
	require.False(t, ReleaseGate(CanaryRollback, pass))
	require.False(t, ReleaseGate(CanaryPromote, SLOResult{}))
}

func TestRecorderEvaluate(t *testing.T) {
	r := NewRecorder(telemetry.NoopMetrics{})
	result := r.Evaluate(SLOInputs{StalledRate: 0.01, ResumeSuccessRate: 1, TerminalOnceViolations: 0})
	require.True(t, result.Pass())
}
