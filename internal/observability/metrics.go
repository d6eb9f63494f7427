// ABOUTME: Queue engine metrics behind a small recorder interface
// ABOUTME: OTel-backed by default, falling back to no-op when init fails

package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records queue engine metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordEnqueue records one accepted turn. newTree marks branch roots.
	RecordEnqueue(ctx context.Context, newTree bool)

	// RecordTurn records a finished turn with its outcome
	// ("done", "error" or "cancelled") and duration.
	RecordTurn(ctx context.Context, outcome string, duration time.Duration)

	// RecordClear records a branch queue drain with the number of nodes
	// marked stale.
	RecordClear(ctx context.Context, drained int)

	// RecordSnapshot records one persisted snapshot and its node count.
	RecordSnapshot(ctx context.Context, nodes int64)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	enqueues      metric.Int64Counter
	turns         metric.Int64Counter
	turnLatency   metric.Float64Histogram
	clearedNodes  metric.Int64Counter
	snapshotNodes metric.Int64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("foldqueue")

	enqueues, err := meter.Int64Counter("foldqueue.node.enqueues",
		metric.WithDescription("Number of turns accepted into a queue"),
	)
	if err != nil {
		return nil, err
	}

	turns, err := meter.Int64Counter("foldqueue.turn.completions",
		metric.WithDescription("Number of finished turns by outcome"),
	)
	if err != nil {
		return nil, err
	}

	turnLatency, err := meter.Float64Histogram("foldqueue.turn.latency_ms",
		metric.WithDescription("Turn execution latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	clearedNodes, err := meter.Int64Counter("foldqueue.queue.cleared_nodes",
		metric.WithDescription("Number of queued turns drained by branch cancellation"),
	)
	if err != nil {
		return nil, err
	}

	snapshotNodes, err := meter.Int64Histogram("foldqueue.snapshot.nodes",
		metric.WithDescription("Node count per persisted snapshot"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		enqueues:      enqueues,
		turns:         turns,
		turnLatency:   turnLatency,
		clearedNodes:  clearedNodes,
		snapshotNodes: snapshotNodes,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordEnqueue records one accepted turn.
func (m *otelMetrics) RecordEnqueue(ctx context.Context, newTree bool) {
	m.enqueues.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("new_tree", newTree),
	))
}

// RecordTurn records a finished turn.
func (m *otelMetrics) RecordTurn(ctx context.Context, outcome string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("outcome", outcome),
	}
	m.turns.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.turnLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordClear records a branch queue drain.
func (m *otelMetrics) RecordClear(ctx context.Context, drained int) {
	m.clearedNodes.Add(ctx, int64(drained))
}

// RecordSnapshot records one persisted snapshot.
func (m *otelMetrics) RecordSnapshot(ctx context.Context, nodes int64) {
	m.snapshotNodes.Record(ctx, nodes)
}
