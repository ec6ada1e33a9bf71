package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for researchd spans.
var (
	AttrJobID       = attribute.Key("researchd.job.id")
	AttrPhase       = attribute.Key("researchd.job.phase")
	AttrSubtaskID   = attribute.Key("researchd.subtask.id")
	AttrToolName    = attribute.Key("researchd.tool.name")
	AttrToolOutcome = attribute.Key("researchd.tool.outcome")
	AttrWorkerID    = attribute.Key("researchd.worker.id")
	AttrSeq         = attribute.Key("researchd.checkpoint.seq")
	AttrReason      = attribute.Key("researchd.job.reason")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (a tool capability).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
