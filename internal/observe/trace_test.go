package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// useTracer installs an in-memory tracer provider as the global one for the
// duration of the test.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
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

// captureLogs routes the default logger into a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestStartSessionSpan_TagsSpanAndContext(t *testing.T) {
	exp := useTracer(t)

	ctx, span := StartSessionSpan(context.Background(), "dictation.session", "sess-7")
	if got := SessionID(ctx); got != "sess-7" {
		t.Errorf("SessionID = %q, want sess-7", got)
	}
	if CorrelationID(ctx) == "" {
		t.Error("session context has no trace ID")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	got := spans[0]
	if got.Name != "dictation.session" || got.SpanKind != trace.SpanKindInternal {
		t.Errorf("span = %q kind %v", got.Name, got.SpanKind)
	}
	found := false
	for _, a := range got.Attributes {
		if a.Key == SessionIDKey && a.Value.AsString() == "sess-7" {
			found = true
		}
	}
	if !found {
		t.Errorf("span attributes %v missing %s", got.Attributes, SessionIDKey)
	}
}

func TestStartSessionSpan_NestsUnderRequest(t *testing.T) {
	exp := useTracer(t)

	reqCtx, req := Tracer().Start(context.Background(), "HTTP POST /v1/listen/start")
	_, sess := StartSessionSpan(reqCtx, "pipeline.listen", "sess-1")
	sess.End()
	req.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	child, parent := spans[0], spans[1]
	if child.Parent.SpanID() != parent.SpanContext.SpanID() {
		t.Error("session span is not a child of the request span")
	}
	if child.SpanContext.TraceID() != parent.SpanContext.TraceID() {
		t.Error("session span started a new trace")
	}
}

func TestFailSpan(t *testing.T) {
	exp := useTracer(t)

	_, ok := StartSessionSpan(context.Background(), "pipeline.listen", "a")
	FailSpan(ok, nil)
	ok.End()
	_, bad := StartSessionSpan(context.Background(), "pipeline.listen", "b")
	FailSpan(bad, errors.New("microphone unplugged"))
	bad.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Status.Code != codes.Unset || len(spans[0].Events) != 0 {
		t.Errorf("nil error changed the span: status %v events %d", spans[0].Status, len(spans[0].Events))
	}
	if spans[1].Status.Code != codes.Error || spans[1].Status.Description != "microphone unplugged" {
		t.Errorf("status = %+v", spans[1].Status)
	}
	if len(spans[1].Events) != 1 || spans[1].Events[0].Name != "exception" {
		t.Errorf("events = %+v, want one exception", spans[1].Events)
	}
}

func TestLogger_SessionContext(t *testing.T) {
	useTracer(t)
	buf := captureLogs(t)

	ctx, span := StartSessionSpan(context.Background(), "dictation.session", "sess-9")
	defer span.End()
	Logger(ctx).Info("dictation: session ended")

	line := buf.String()
	for _, want := range []string{"session_id=sess-9", "trace_id=" + CorrelationID(ctx), "span_id="} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %q missing %q", line, want)
		}
	}
}

func TestLogger_Bare(t *testing.T) {
	buf := captureLogs(t)

	if Logger(context.Background()) != slog.Default() {
		t.Error("Logger without trace or session should be the default logger")
	}
	Logger(context.Background()).Info("server: request failed")
	if strings.Contains(buf.String(), "trace_id") || strings.Contains(buf.String(), "session_id") {
		t.Errorf("unexpected identifiers in %q", buf.String())
	}
	if SessionID(context.Background()) != "" || CorrelationID(context.Background()) != "" {
		t.Error("background context should carry no identifiers")
	}
}
