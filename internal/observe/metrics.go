// Package observe provides application-wide observability primitives for
// voxrelay: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [Setup] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxrelay metrics.
const meterName = "github.com/MrWong99/voxrelay"

// Metrics holds all OpenTelemetry metric instruments for the relay.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Sessions ---

	// ActiveSessions tracks the number of live relay sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionSetupFailures counts sessions that never became active. Use with
	// attribute:
	//   attribute.String("stage", ...)
	SessionSetupFailures metric.Int64Counter

	// --- Audio pipeline ---

	// UplinkChunks counts 20 ms chunks sent to the speech service.
	UplinkChunks metric.Int64Counter

	// PacerFrames counts frames handed to peers.
	PacerFrames metric.Int64Counter

	// PacerLateFrames counts frames that were already due when pulled, so
	// the pacer returned them without sleeping.
	PacerLateFrames metric.Int64Counter

	// PacerSleep tracks how long the pacer waited before releasing a frame.
	PacerSleep metric.Float64Histogram

	// Flushes counts barge-in flushes.
	Flushes metric.Int64Counter

	// FlushDropped counts items discarded by flushes. Use with attribute:
	//   attribute.String("queue", "pacer"|"downlink")
	FlushDropped metric.Int64Counter

	// QueueOverflow counts items evicted from full queues. Use with
	// attribute:
	//   attribute.String("queue", "pacer"|"downlink")
	QueueOverflow metric.Int64Counter

	// ConversionErrors counts audio conversion failures. Use with attribute:
	//   attribute.String("stage", "uplink"|"downlink")
	ConversionErrors metric.Int64Counter

	// --- Errors ---

	// ProviderErrors counts error events from the speech service. Use with
	// attributes:
	//   attribute.String("type", ...), attribute.String("code", ...)
	ProviderErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use
	// [Metrics.RecordHTTPRequest].
	HTTPRequestDuration metric.Float64Histogram
}

// sleepBuckets covers pacer waits (in seconds) up to one 20 ms slice.
var sleepBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.015, 0.019, 0.02, 0.025,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Sessions.
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxrelay.active_sessions",
		metric.WithDescription("Number of live relay sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionSetupFailures, err = m.Int64Counter("voxrelay.session.setup_failures",
		metric.WithDescription("Sessions that failed during setup, by handshake stage."),
	); err != nil {
		return nil, err
	}

	// Audio pipeline.
	if met.UplinkChunks, err = m.Int64Counter("voxrelay.uplink.chunks",
		metric.WithDescription("Audio chunks sent to the speech service."),
	); err != nil {
		return nil, err
	}
	if met.PacerFrames, err = m.Int64Counter("voxrelay.pacer.frames",
		metric.WithDescription("Frames delivered to peers."),
	); err != nil {
		return nil, err
	}
	if met.PacerLateFrames, err = m.Int64Counter("voxrelay.pacer.late_frames",
		metric.WithDescription("Frames delivered without waiting because they were already due."),
	); err != nil {
		return nil, err
	}
	if met.PacerSleep, err = m.Float64Histogram("voxrelay.pacer.sleep",
		metric.WithDescription("Time the pacer waited before releasing a frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sleepBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Flushes, err = m.Int64Counter("voxrelay.flushes",
		metric.WithDescription("Barge-in flushes of the output queues."),
	); err != nil {
		return nil, err
	}
	if met.FlushDropped, err = m.Int64Counter("voxrelay.flush.dropped",
		metric.WithDescription("Queued items discarded by flushes, by queue."),
	); err != nil {
		return nil, err
	}
	if met.QueueOverflow, err = m.Int64Counter("voxrelay.queue.overflow",
		metric.WithDescription("Items evicted from full queues, by queue."),
	); err != nil {
		return nil, err
	}
	if met.ConversionErrors, err = m.Int64Counter("voxrelay.conversion.errors",
		metric.WithDescription("Audio conversion failures, by stage."),
	); err != nil {
		return nil, err
	}

	// Errors.
	if met.ProviderErrors, err = m.Int64Counter("voxrelay.provider.errors",
		metric.WithDescription("Error events received from the speech service, by type and code."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxrelay.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFlush records one flush and the number of items it discarded from
// each queue.
func (m *Metrics) RecordFlush(ctx context.Context, pacer, downlink int) {
	m.Flushes.Add(ctx, 1)
	if pacer > 0 {
		m.FlushDropped.Add(ctx, int64(pacer), metric.WithAttributes(attribute.String("queue", "pacer")))
	}
	if downlink > 0 {
		m.FlushDropped.Add(ctx, int64(downlink), metric.WithAttributes(attribute.String("queue", "downlink")))
	}
}

// RecordQueueOverflow records one eviction from the named queue.
func (m *Metrics) RecordQueueOverflow(ctx context.Context, queue string) {
	m.QueueOverflow.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// RecordConversionError records a conversion failure in the given stage.
func (m *Metrics) RecordConversionError(ctx context.Context, stage string) {
	m.ConversionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, errType, code string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("type", errType),
			attribute.String("code", code),
		),
	)
}

// RecordSetupFailure records a session that failed to start at stage.
func (m *Metrics) RecordSetupFailure(ctx context.Context, stage string) {
	m.SessionSetupFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordHTTPRequest records one served request under its route label.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, status int, d time.Duration) {
	m.HTTPRequestDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("route", route),
			attribute.Int("status", status),
		),
	)
}
