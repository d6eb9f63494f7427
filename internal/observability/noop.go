// ABOUTME: No-op implementations of the metrics and span interfaces
// ABOUTME: Default collaborators when telemetry is disabled

package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
// Use when metrics are disabled to avoid overhead.
type NoopMetrics struct{}

// Compile-time interface check.
var _ MetricsRecorder = NoopMetrics{}

// RecordEnqueue does nothing.
func (NoopMetrics) RecordEnqueue(_ context.Context, _ bool) {}

// RecordTurn does nothing.
func (NoopMetrics) RecordTurn(_ context.Context, _ string, _ time.Duration) {}

// RecordClear does nothing.
func (NoopMetrics) RecordClear(_ context.Context, _ int) {}

// RecordSnapshot does nothing.
func (NoopMetrics) RecordSnapshot(_ context.Context, _ int64) {}

// NoopSpanManager is a SpanManager that does nothing.
// Use when tracing is disabled to avoid overhead.
type NoopSpanManager struct{}

// Compile-time interface check.
var _ SpanManager = NoopSpanManager{}

// noopSpan is a span that does nothing.
// We use the OTel noop package for a proper no-op span implementation.
var noopSpan = noop.Span{}

// StartTurnSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartTurnSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(_ trace.Span, _ error) {}
