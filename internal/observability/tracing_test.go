package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestNewTracerNoEndpoint(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "db-mcp-server"})
	if tracer == nil {
		t.Fatal("NewTracer() returned nil")
	}
	defer shutdown(context.Background())

	// No-op tracer must still produce usable spans.
	ctx, span := tracer.Start(context.Background(), "test.op")
	if span == nil {
		t.Fatal("Start() returned nil span")
	}
	span.End()

	if TraceID(ctx) != "" {
		t.Errorf("no-op tracer yielded trace ID %q", TraceID(ctx))
	}
}

func TestTracerDomainSpans(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "db-mcp-server"})
	defer shutdown(context.Background())

	ctx := context.Background()

	_, span := tracer.TraceAgentRun(ctx, "req-1", "sales")
	span.End()

	_, span = tracer.TraceLLMRequest(ctx, "openai", "gpt-4o")
	span.End()

	_, span = tracer.TraceToolExecution(ctx, "execute_sql")
	span.End()

	_, span = tracer.TraceDatabaseQuery(ctx, "sales")
	span.End()

	_, span = tracer.TraceHTTPRequest(ctx, "GET", "/sse")
	span.End()
}

func TestRecordError(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer shutdown(context.Background())

	_, span := tracer.Start(context.Background(), "op")
	defer span.End()

	tracer.RecordError(span, nil)
	tracer.RecordError(span, errors.New("query failed"))
}

func TestWithSpanPropagatesError(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer shutdown(context.Background())

	want := errors.New("boom")
	got := WithSpan(context.Background(), tracer, "op", func(ctx context.Context, span trace.Span) error {
		return want
	})
	if !errors.Is(got, want) {
		t.Errorf("WithSpan() error = %v, want %v", got, want)
	}
}
