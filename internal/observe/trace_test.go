package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newTestTracerProvider returns a provider that records spans in memory.
func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

func TestTraceID_EmptyWithoutSpan(t *testing.T) {
	t.Parallel()
	if got := TraceID(context.Background()); got != "" {
		t.Errorf("TraceID = %q, want empty", got)
	}
}

func TestFailSpan_MarksSessionSpan(t *testing.T) {
	t.Parallel()
	tp, exp := newTestTracerProvider(t)

	_, span := tp.Tracer(tracerName).Start(context.Background(), SpanSessionStart)
	span.SetAttributes(AttrSessionID.String("s-42"))
	FailSpan(span, errors.New("handshake timed out"), "setup failed")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	got := spans[0]
	if got.Status.Code != codes.Error || got.Status.Description != "setup failed" {
		t.Errorf("status = %+v, want error %q", got.Status, "setup failed")
	}
	if len(got.Events) != 1 || got.Events[0].Name != "exception" {
		t.Errorf("events = %+v, want one recorded error", got.Events)
	}
	var id string
	for _, kv := range got.Attributes {
		if kv.Key == AttrSessionID {
			id = kv.Value.AsString()
		}
	}
	if id != "s-42" {
		t.Errorf("%s = %q, want s-42", AttrSessionID, id)
	}
}

func TestWithTrace_TagsSessionLogs(t *testing.T) {
	t.Parallel()
	tp, _ := newTestTracerProvider(t)

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil)).With("session_id", "s-1")

	WithTrace(context.Background(), log).Info("bridge: session started")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log without span carries a trace_id:\n%s", buf.String())
	}
	buf.Reset()

	ctx, span := tp.Tracer(tracerName).Start(context.Background(), SpanOffer)
	defer span.End()
	WithTrace(ctx, log).Info("bridge: session started")

	out := buf.String()
	if !strings.Contains(out, "session_id=s-1") {
		t.Errorf("base attributes lost:\n%s", out)
	}
	if !strings.Contains(out, "trace_id="+TraceID(ctx)) {
		t.Errorf("trace_id missing:\n%s", out)
	}
}
