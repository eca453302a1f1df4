package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for RunForge spans.
var (
	AttrTaskID    = attribute.Key("runforge.task.id")
	AttrRunID     = attribute.Key("runforge.run.id")
	AttrSequence  = attribute.Key("runforge.event.sequence")
	AttrLeaseName = attribute.Key("runforge.lease.name")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
