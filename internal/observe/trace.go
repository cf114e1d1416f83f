package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/voxrelay"

// Span names for the relay's traced operations.
const (
	SpanOffer        = "voxrelay.offer"
	SpanSessionStart = "voxrelay.session.start"
)

// AttrSessionID carries the relay session ID on spans.
const AttrSessionID = attribute.Key("voxrelay.session.id")

// StartSpan starts a span on the global tracer provider. End it when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// StartSessionSpan starts a span tagged with a session ID.
func StartSessionSpan(ctx context.Context, name, sessionID string) (context.Context, trace.Span) {
	return StartSpan(ctx, name, trace.WithAttributes(AttrSessionID.String(sessionID)))
}

// FailSpan records err on span and marks it failed with msg.
func FailSpan(span trace.Span, err error, msg string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
}

// TraceID returns the hex trace ID active in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// WithTrace adds trace_id to log when ctx carries a span, so session log
// lines can be joined with the trace of the offer that created the session.
func WithTrace(ctx context.Context, log *slog.Logger) *slog.Logger {
	if id := TraceID(ctx); id != "" {
		return log.With("trace_id", id)
	}
	return log
}
