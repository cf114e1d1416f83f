package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// CorrelationHeader carries the trace ID of a traced request back to the
// browser, so a failed offer can be matched to the relay's logs.
const CorrelationHeader = "X-Correlation-ID"

// untraced are polled by orchestrators and scrapers. They get no span and
// log at debug level.
var untraced = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middleware)

// WithRequestLogger sets the logger for request completion lines.
func WithRequestLogger(l *slog.Logger) MiddlewareOption {
	return func(mw *middleware) { mw.log = l }
}

// WithTracerProvider sets the tracer provider. The global one is used by
// default.
func WithTracerProvider(tp trace.TracerProvider) MiddlewareOption {
	return func(mw *middleware) { mw.tracer = tp.Tracer(tracerName) }
}

type middleware struct {
	m      *Metrics
	log    *slog.Logger
	tracer trace.Tracer
	prop   propagation.TextMapPropagator
	next   http.Handler
}

// Middleware instruments the relay's HTTP surface. Every request is timed
// under its route label. Requests other than probes and scrapes also get a
// server span (continuing a W3C traceparent when the client sent one) and a
// [CorrelationHeader] on the response.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		mw := &middleware{
			m:      m,
			log:    slog.Default(),
			tracer: otel.Tracer(tracerName),
			prop:   propagation.TraceContext{},
			next:   next,
		}
		for _, opt := range opts {
			opt(mw)
		}
		return mw
	}
}

func (mw *middleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	if untraced[r.URL.Path] {
		mw.next.ServeHTTP(rec, r)
		mw.finish(r, rec.status, start, slog.LevelDebug)
		return
	}

	ctx := mw.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := mw.tracer.Start(ctx, "HTTP "+r.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
		),
	)
	defer span.End()
	if id := TraceID(ctx); id != "" {
		w.Header().Set(CorrelationHeader, id)
	}

	r = r.WithContext(ctx)
	mw.next.ServeHTTP(rec, r)

	route := httpRoute(r)
	span.SetName(spanName(route))
	span.SetAttributes(semconv.HTTPRoute(route), semconv.HTTPResponseStatusCode(rec.status))
	level := slog.LevelInfo
	if rec.status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(rec.status))
		level = slog.LevelWarn
	}
	mw.finish(r, rec.status, start, level)
}

func (mw *middleware) finish(r *http.Request, status int, start time.Time, level slog.Level) {
	elapsed := time.Since(start)
	route := httpRoute(r)
	mw.m.RecordHTTPRequest(r.Context(), r.Method, route, status, elapsed)
	mw.log.LogAttrs(r.Context(), level, "observe: request",
		slog.String("trace_id", TraceID(r.Context())),
		slog.String("route", route),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", elapsed),
	)
}

// httpRoute labels r by the mux pattern that served it. Everything the static
// client serves shares one label so file paths never reach the metrics.
func httpRoute(r *http.Request) string {
	switch r.Pattern {
	case "":
		return "unmatched"
	case "GET /":
		return "static"
	default:
		return r.Pattern
	}
}

func spanName(route string) string {
	if route == "POST /offer" {
		return SpanOffer
	}
	return "HTTP " + route
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
