package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope every Conductor span is
// recorded under.
const tracerName = "github.com/flowmesh/conductor"

// StartSpan opens a span under Conductor's tracer with optional
// key/value attributes (alternating keys and values, strings only).
func StartSpan(ctx context.Context, name string, attrs ...string) (context.Context, trace.Span) {
	var kvs []attribute.KeyValue
	for i := 0; i+1 < len(attrs); i += 2 {
		kvs = append(kvs, attribute.String(attrs[i], attrs[i+1]))
	}
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(kvs...))
}

// EndSpan records err (when non-nil) on the span and ends it. Kept as
// a helper so call sites stay one deferred line.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
