package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by engine and gateway spans.
var (
	AttrJobID          = attribute.Key("goloom.job.id")
	AttrRunID          = attribute.Key("goloom.run.id")
	AttrConversationID = attribute.Key("goloom.conversation.id")
	AttrAgentID        = attribute.Key("goloom.agent.id")
	AttrSessionKey     = attribute.Key("goloom.session.key")
	AttrTurn           = attribute.Key("goloom.flow.turn")
	AttrIntent         = attribute.Key("goloom.policy.intent")
)

// StartSpan opens a span of the given kind: internal for engine phases,
// server for inbound gateway requests, client for outbound dispatches.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithSpanKind(kind),
		trace.WithAttributes(attrs...))
}
