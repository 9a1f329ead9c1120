package observe

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useRecorder installs an in-memory tracer provider as the global one for the
// duration of the test.
func useRecorder(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func TestStartSpan_SessionSpanRecordedOnEnd(t *testing.T) {
	exp := useRecorder(t)

	ctx, span := StartSpan(context.Background(), "session.start")
	if TraceID(ctx) == "" {
		t.Fatal("StartSpan returned a context without a trace ID")
	}
	if n := len(exp.GetSpans()); n != 0 {
		t.Fatalf("%d spans exported before End, want 0", n)
	}
	span.AddEvent("transport opened")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	if spans[0].Name != "session.start" {
		t.Errorf("span name = %q, want session.start", spans[0].Name)
	}
	if len(spans[0].Events) != 1 || spans[0].Events[0].Name != "transport opened" {
		t.Errorf("span events = %+v", spans[0].Events)
	}
}

func TestTraceID(t *testing.T) {
	useRecorder(t)

	if got := TraceID(context.Background()); got != "" {
		t.Errorf("TraceID without span = %q, want empty", got)
	}

	first, s1 := StartSpan(context.Background(), "session.start")
	defer s1.End()
	second, s2 := StartSpan(context.Background(), "session.start")
	defer s2.End()

	id := TraceID(first)
	if len(id) != 32 || strings.Trim(id, "0123456789abcdef") != "" {
		t.Errorf("TraceID = %q, want 32 hex digits", id)
	}
	if id == TraceID(second) {
		t.Error("two conversations share a trace ID")
	}
}

func TestLogger_CarriesSpanIDs(t *testing.T) {
	useRecorder(t)

	var buf strings.Builder
	base := slog.New(slog.NewTextHandler(&buf, nil)).With("session_id", "abc")

	ctx, span := StartSpan(context.Background(), "session.start")
	defer span.End()
	Logger(ctx, base).Info("conversation active")

	line := buf.String()
	for _, want := range []string{"session_id=abc", "trace_id=" + TraceID(ctx), "span_id="} {
		if !strings.Contains(line, want) {
			t.Errorf("log line missing %q: %s", want, line)
		}
	}
}

func TestLogger_WithoutSpan(t *testing.T) {
	base := slog.New(slog.DiscardHandler)
	if Logger(context.Background(), base) != base {
		t.Error("Logger without a span should return base unchanged")
	}
	if Logger(context.Background(), nil) != slog.Default() {
		t.Error("Logger with a nil base should return slog.Default()")
	}
}
