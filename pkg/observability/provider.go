// Package observability provides OpenTelemetry metrics and tracing for the
// forwarder. Export is OTLP over gRPC and disabled by default; with export
// off every record call is a no-op, so handlers instrument unconditionally.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g. "localhost:4317" for gRPC
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns defaults suitable for local runs.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "callback-forwarder",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
	}
}

// Provider manages the trace and metric providers plus the forwarder's
// ingestion instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	eventsReceived metric.Int64Counter
	eventsStored   metric.Int64Counter
	duplicates     metric.Int64Counter
	authFailures   metric.Int64Counter
	requestDur     metric.Float64Histogram
}

// New creates an observability provider. With Enabled false it returns a
// provider whose record methods are no-ops.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("forwarder",
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("forwarder",
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initIngestMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init ingestion metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
	)

	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)

	otel.SetMeterProvider(p.meterProvider)

	return nil
}

func (p *Provider) initIngestMetrics() error {
	var err error

	p.eventsReceived, err = p.meter.Int64Counter("forwarder.events.received",
		metric.WithDescription("Webhook requests received"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	p.eventsStored, err = p.meter.Int64Counter("forwarder.events.stored",
		metric.WithDescription("Webhook events persisted"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	p.duplicates, err = p.meter.Int64Counter("forwarder.events.duplicates",
		metric.WithDescription("Webhook events rejected as duplicates"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	p.authFailures, err = p.meter.Int64Counter("forwarder.auth.failures",
		metric.WithDescription("Webhook requests failing authentication"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	p.requestDur, err = p.meter.Float64Histogram("forwarder.request.duration",
		metric.WithDescription("Webhook request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5),
	)
	return err
}

// Shutdown gracefully shuts down the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// RecordRequest records one completed webhook request. outcome is one of
// stored, duplicate, auth_failed, bad_request, store_failed.
func (p *Provider) RecordRequest(ctx context.Context, provider, outcome string, duration time.Duration) {
	if p.eventsReceived == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	)
	p.eventsReceived.Add(ctx, 1, attrs)
	p.requestDur.Record(ctx, duration.Seconds(), attrs)

	switch outcome {
	case "stored":
		p.eventsStored.Add(ctx, 1, attrs)
	case "duplicate":
		p.duplicates.Add(ctx, 1, attrs)
	case "auth_failed":
		p.authFailures.Add(ctx, 1, attrs)
	}
}

// StartSpan starts a span when tracing is enabled; otherwise it returns a
// no-op span.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if p.tracer == nil {
		return noop.NewTracerProvider().Tracer("forwarder").Start(ctx, name)
	}
	return p.tracer.Start(ctx, name, opts...)
}
