// ABOUTME: Trace span lifecycle for turn execution
// ABOUTME: Thin wrapper over the global OTel tracer provider

package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is the fold-queue tracer instance.
// Uses the global OTel tracer provider.
var tracer = otel.Tracer("foldqueue")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartTurnSpan starts a span for one turn execution.
	// Returns the context with span and the span itself.
	StartTurnSpan(ctx context.Context, rootID, nodeID string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// The span manager uses the global OTel tracer provider. Configure the
// provider before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

// StartTurnSpan starts a span for one turn execution.
func (m *otelSpanManager) StartTurnSpan(ctx context.Context, rootID, nodeID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "foldqueue.turn",
		trace.WithAttributes(
			attribute.String("tree.root_id", rootID),
			attribute.String("node.id", nodeID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
