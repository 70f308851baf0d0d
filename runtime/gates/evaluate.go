package gates

import "github.com/flowmesh/conductor/internal/telemetry"

// Recorder evaluates the SLO gates and publishes the underlying rates
// as live metrics, so the canary decision can be computed from running
// data rather than only from offline fixtures.
type Recorder struct {
	metrics telemetry.Metrics
}

// NewRecorder builds a Recorder over a metrics backend.
func NewRecorder(m telemetry.Metrics) *Recorder {
	if m == nil {
		m = telemetry.NoopMetrics{}
	}
	return &Recorder{metrics: m}
}

// Evaluate records the three SLO inputs as gauges and returns the gate
// result. The worker calls this once per drain cycle.
func (r *Recorder) Evaluate(in SLOInputs) SLOResult {
	r.metrics.RecordGauge("conductor.slo.stalled_rate", in.StalledRate)
	r.metrics.RecordGauge("conductor.slo.resume_success_rate", in.ResumeSuccessRate)
	r.metrics.RecordGauge("conductor.slo.terminal_once_violations", float64(in.TerminalOnceViolations))
	result := EvaluateSLO(in)
	if !result.Pass() {
		r.metrics.IncCounter("conductor.slo.gate_failures", 1)
	}
	return result
}
