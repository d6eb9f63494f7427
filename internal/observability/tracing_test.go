// ABOUTME: Tests for turn span creation using an in-memory exporter
// ABOUTME: Swaps the global tracer provider per test and inspects recorded spans

package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// setupTracingTest creates a test tracer provider with an in-memory span recorder.
func setupTracingTest(t *testing.T) (*tracetest.InMemoryExporter, func()) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)

	originalProvider := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)

	// Update the package-level tracer
	tracer = otel.Tracer("foldqueue")

	cleanup := func() {
		otel.SetTracerProvider(originalProvider)
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down tracer provider: %v", err)
		}
	}

	return exporter, cleanup
}

func TestStartTurnSpan(t *testing.T) {
	exporter, cleanup := setupTracingTest(t)
	defer cleanup()

	t.Run("creates span with correct name and attributes", func(t *testing.T) {
		sm := NewSpanManager()

		ctx := context.Background()
		_, span := sm.StartTurnSpan(ctx, "root-1", "node-7")
		require.NotNil(t, span)

		span.End()

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)

		s := spans[0]
		assert.Equal(t, "foldqueue.turn", s.Name)

		var rootID, nodeID string
		for _, attr := range s.Attributes {
			switch attr.Key {
			case "tree.root_id":
				rootID = attr.Value.AsString()
			case "node.id":
				nodeID = attr.Value.AsString()
			}
		}
		assert.Equal(t, "root-1", rootID)
		assert.Equal(t, "node-7", nodeID)
	})

	t.Run("returns context carrying the span", func(t *testing.T) {
		exporter.Reset()
		sm := NewSpanManager()

		ctx := context.Background()
		newCtx, span := sm.StartTurnSpan(ctx, "root-2", "node-8")
		assert.NotEqual(t, ctx, newCtx)

		span.End()
		require.Len(t, exporter.GetSpans(), 1)
	})
}

func TestEndSpanWithError(t *testing.T) {
	exporter, cleanup := setupTracingTest(t)
	defer cleanup()

	sm := NewSpanManager()

	t.Run("records error status", func(t *testing.T) {
		exporter.Reset()

		_, span := sm.StartTurnSpan(context.Background(), "root", "node")
		sm.EndSpanWithError(span, errors.New("backend unavailable"))

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Error, spans[0].Status.Code)
		assert.Equal(t, "backend unavailable", spans[0].Status.Description)
		require.NotEmpty(t, spans[0].Events)
	})

	t.Run("sets ok status on success", func(t *testing.T) {
		exporter.Reset()

		_, span := sm.StartTurnSpan(context.Background(), "root", "node")
		sm.EndSpanWithError(span, nil)

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Ok, spans[0].Status.Code)
	})

	t.Run("tolerates nil span", func(t *testing.T) {
		sm.EndSpanWithError(nil, errors.New("ignored"))
	})
}
