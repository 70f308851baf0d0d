// Package telemetry wires structured logging and OpenTelemetry metrics
// for Conductor, grounded on the teacher's goa.design/clue based
// telemetry adapters: a thin Logger interface backed by
// goa.design/clue/log, and a Metrics recorder backed by OTEL counters
// and histograms for the SLO gauges C12 reports (§4.12).
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"goa.design/clue/log"
)

// Logger is the narrow structured-logging surface every component
// depends on. Supervisor loops (executor, orchestrator, worker) log
// every state transition through this interface rather than calling
// the standard library log package directly.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics is the narrow metrics-recording surface C12 uses to report
// M1 (stalled rate), M2 (resume success rate), and M3 (terminal-once
// violations) as live OpenTelemetry instruments.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// ClueLogger delegates to goa.design/clue/log.
type ClueLogger struct{}

// NewClueLogger returns the default Logger.
func NewClueLogger() Logger { return ClueLogger{} }

func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, fielders(msg, keyvals)...)
}

func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, fielders(msg, keyvals)...)
}

func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(ctx, fielders(msg, keyvals)...)
}

func (ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, nil, fielders(msg, keyvals)...)
}

func fielders(msg string, keyvals []any) []log.Fielder {
	out := []log.Fielder{log.KV{K: "msg", V: msg}}
	for i := 0; i+1 < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		out = append(out, log.KV{K: k, V: keyvals[i+1]})
	}
	return out
}

// OTELMetrics delegates to the global OTEL MeterProvider.
type OTELMetrics struct {
	meter metric.Meter
}

// NewOTELMetrics returns a Metrics recorder under the given
// instrumentation name (typically "github.com/flowmesh/conductor").
func NewOTELMetrics(instrumentationName string) Metrics {
	return &OTELMetrics{meter: otel.Meter(instrumentationName)}
}

func (m *OTELMetrics) IncCounter(name string, value float64, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

func (m *OTELMetrics) RecordGauge(name string, value float64, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name + "_gauge")
	if err != nil {
		return
	}
	histogram.Record(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

func tagAttrs(tags []string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for i := 0; i+1 < len(tags); i += 2 {
		attrs = append(attrs, attribute.String(tags[i], tags[i+1]))
	}
	return attrs
}

// NoopMetrics discards every recording; used in tests.
type NoopMetrics struct{}

func (NoopMetrics) IncCounter(string, float64, ...string)  {}
func (NoopMetrics) RecordGauge(string, float64, ...string) {}

// Since is a small helper to keep call sites free of time.Since
// boilerplate when recording duration gauges.
func Since(start time.Time) time.Duration { return time.Since(start) }
