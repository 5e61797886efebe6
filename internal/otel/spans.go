package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for KissBot spans.
var (
	AttrChannel       = attribute.Key("kissbot.channel")
	AttrBackend       = attribute.Key("kissbot.backend")
	AttrClass         = attribute.Key("kissbot.class")
	AttrContext       = attribute.Key("kissbot.context")
	AttrCorrelationID = attribute.Key("kissbot.correlation_id")
	AttrOutcome       = attribute.Key("kissbot.outcome")
	AttrTransition    = attribute.Key("kissbot.transition")
	AttrSource        = attribute.Key("kissbot.source")
	AttrModel         = attribute.Key("kissbot.llm.model")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, Helix, EventSub).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
