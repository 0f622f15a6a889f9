package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/athena"

// SessionIDKey is the span attribute carrying a capture session's ID.
const SessionIDKey = attribute.Key("athena.session_id")

type sessionKey struct{}

// Tracer returns Athena's tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSessionSpan opens the span covering one listening or dictation
// session. op names the session kind, such as "pipeline.listen". The
// returned context also carries sessionID for [Logger] and [SessionID].
func StartSessionSpan(ctx context.Context, op, sessionID string) (context.Context, trace.Span) {
	ctx = context.WithValue(ctx, sessionKey{}, sessionID)
	return Tracer().Start(ctx, op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(SessionIDKey.String(sessionID)),
	)
}

// FailSpan marks span as failed with err. It does not end the span.
func FailSpan(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SessionID returns the session ID stored by [StartSessionSpan], or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// CorrelationID returns the hex trace ID of the span in ctx, or "" when
// there is none.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger tagged with the trace and session
// identifiers found in ctx.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs, slog.String("trace_id", sc.TraceID().String()), slog.String("span_id", sc.SpanID().String()))
	}
	if id := SessionID(ctx); id != "" {
		attrs = append(attrs, slog.String("session_id", id))
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
