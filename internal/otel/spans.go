package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for AgentLens spans.
var (
	AttrEventID   = attribute.Key("agentlens.event.id")
	AttrEventKind = attribute.Key("agentlens.event.kind")
	AttrSessionID = attribute.Key("agentlens.session.id")
	AttrAgentID   = attribute.Key("agentlens.agent.id")
	AttrSourceApp = attribute.Key("agentlens.source.app")
	AttrBatchSize = attribute.Key("agentlens.batch.size")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound ingestion request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
