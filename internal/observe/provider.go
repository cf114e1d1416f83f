package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/MrWong99/voxrelay/internal/config"
)

// Relay resource attributes. They describe how this instance talks to the
// speech service so dashboards can split by model and pipeline setup.
const (
	AttrRealtimeModel  = attribute.Key("voxrelay.realtime.model")
	AttrLinkSampleRate = attribute.Key("voxrelay.audio.link_sample_rate")
	AttrResampler      = attribute.Key("voxrelay.audio.resampler")
)

// Service identifies one running relay in telemetry.
type Service struct {
	Version        string
	InstanceID     string // random when empty
	Model          string
	LinkSampleRate int
	Resampler      string

	// TraceExporter receives finished spans. Nil records spans without
	// exporting them.
	TraceExporter sdktrace.SpanExporter
}

// ServiceFromConfig describes the relay started from cfg at version.
func ServiceFromConfig(cfg *config.Config, version string) Service {
	return Service{
		Version:        version,
		Model:          cfg.Realtime.Model,
		LinkSampleRate: cfg.Audio.LinkSampleRate,
		Resampler:      string(cfg.Audio.Resampler),
	}
}

// Resource builds the OTel resource for s.
func (s Service) Resource() (*resource.Resource, error) {
	id := s.InstanceID
	if id == "" {
		id = uuid.NewString()
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName("voxrelay"),
		semconv.ServiceInstanceID(id),
	}
	if s.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(s.Version))
	}
	if s.Model != "" {
		attrs = append(attrs, AttrRealtimeModel.String(s.Model))
	}
	if s.LinkSampleRate > 0 {
		attrs = append(attrs, AttrLinkSampleRate.Int(s.LinkSampleRate))
	}
	if s.Resampler != "" {
		attrs = append(attrs, AttrResampler.String(s.Resampler))
	}
	// Schemaless so the merge never conflicts with the SDK's schema version.
	return resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
}

// Telemetry owns the SDK providers registered for the process.
type Telemetry struct {
	Resource *resource.Resource
	Meters   *sdkmetric.MeterProvider
	Tracers  *sdktrace.TracerProvider
}

// Setup registers a meter provider exporting to the Prometheus default
// registry (served on /metrics) and a tracer provider as the global OTel
// providers.
func Setup(ctx context.Context, s Service) (*Telemetry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := s.Resource()
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	exp, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exp))

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if s.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(s.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	return &Telemetry{Resource: res, Meters: mp, Tracers: tp}, nil
}

// Shutdown flushes pending spans and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Tracers.Shutdown(ctx), t.Meters.Shutdown(ctx))
}
