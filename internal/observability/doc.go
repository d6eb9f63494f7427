// Package observability provides metrics and tracing for the queue engine
// behind small interfaces, so the engine core never depends on an exporter.
// MetricsRecorder counts enqueues, turn outcomes, queue clears and snapshot
// writes; SpanManager wraps each executor call in a span. Both have
// OpenTelemetry implementations over the global providers and no-op
// fallbacks, which are the default.
package observability
