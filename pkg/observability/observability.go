// Package observability provides OpenTelemetry tracing and metrics for the
// settlement core: OTLP export, a sampler driven by config, and the
// settlement-specific instrument set.
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
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string  // e.g. "localhost:4317"
	SampleRate     float64 // 0.0 to 1.0
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns the defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "rtgs-core",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
	}
}

// Provider manages the trace and metric providers plus the settlement
// instrument set.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	transfersSettled  metric.Int64Counter
	transfersBlocked  metric.Int64Counter
	transfersRejected metric.Int64Counter
	duplicates        metric.Int64Counter
	settleDuration    metric.Float64Histogram
	auditAppends      metric.Int64Counter
	chainBreaches     metric.Int64Counter
	eventDrops        metric.Int64Counter
}

// New creates an observability provider. With Enabled false it returns a
// no-op provider whose record methods are safe to call.
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
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("rtgs.core",
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("rtgs.core",
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
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
		return fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sampler),
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
		return fmt.Errorf("create metric exporter: %w", err)
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

func (p *Provider) initInstruments() error {
	var err error

	p.transfersSettled, err = p.meter.Int64Counter("rtgs.transfers.settled.total",
		metric.WithDescription("Transfers finalized as CLEARED"),
		metric.WithUnit("{transfer}"))
	if err != nil {
		return err
	}
	p.transfersBlocked, err = p.meter.Int64Counter("rtgs.transfers.blocked.total",
		metric.WithDescription("Transfers held as BLOCKED_AML by screening"),
		metric.WithUnit("{transfer}"))
	if err != nil {
		return err
	}
	p.transfersRejected, err = p.meter.Int64Counter("rtgs.transfers.rejected.total",
		metric.WithDescription("Transfers terminated as REJECTED"),
		metric.WithUnit("{transfer}"))
	if err != nil {
		return err
	}
	p.duplicates, err = p.meter.Int64Counter("rtgs.transfers.duplicates.total",
		metric.WithDescription("Idempotent replays answered without posting"),
		metric.WithUnit("{message}"))
	if err != nil {
		return err
	}
	p.settleDuration, err = p.meter.Float64Histogram("rtgs.settlement.duration",
		metric.WithDescription("End-to-end settlement duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0))
	if err != nil {
		return err
	}
	p.auditAppends, err = p.meter.Int64Counter("rtgs.audit.appends.total",
		metric.WithDescription("Audit chain records appended"),
		metric.WithUnit("{record}"))
	if err != nil {
		return err
	}
	p.chainBreaches, err = p.meter.Int64Counter("rtgs.audit.breaches.total",
		metric.WithDescription("Tamper breaches found by chain verification"),
		metric.WithUnit("{breach}"))
	if err != nil {
		return err
	}
	p.eventDrops, err = p.meter.Int64Counter("rtgs.events.dropped.total",
		metric.WithDescription("Events dead-lettered by the fan-out bus"),
		metric.WithUnit("{event}"))
	return err
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("rtgs.core")
	}
	return p.tracer
}

// StartSpan starts a span.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordSettled counts a cleared transfer and its settlement latency.
func (p *Provider) RecordSettled(ctx context.Context, d time.Duration, attrs ...attribute.KeyValue) {
	if p.transfersSettled != nil {
		p.transfersSettled.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if p.settleDuration != nil {
		p.settleDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
	}
}

// RecordBlocked counts a compliance hold.
func (p *Provider) RecordBlocked(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.transfersBlocked != nil {
		p.transfersBlocked.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordRejected counts a terminal rejection.
func (p *Provider) RecordRejected(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.transfersRejected != nil {
		p.transfersRejected.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordDuplicate counts an idempotent replay.
func (p *Provider) RecordDuplicate(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.duplicates != nil {
		p.duplicates.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordAuditAppend counts an audit record.
func (p *Provider) RecordAuditAppend(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.auditAppends != nil {
		p.auditAppends.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordChainBreach counts a verification breach.
func (p *Provider) RecordChainBreach(ctx context.Context, entityType, entityID string) {
	if p.chainBreaches != nil {
		p.chainBreaches.Add(ctx, 1, metric.WithAttributes(
			attribute.String("entity_type", entityType),
			attribute.String("entity_id", entityID),
		))
	}
}

// RecordEventDrop counts a dead-lettered event.
func (p *Provider) RecordEventDrop(ctx context.Context, topic string) {
	if p.eventDrops != nil {
		p.eventDrops.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
	}
}
