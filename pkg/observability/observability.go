// Package observability exports runtime metrics and traces over
// OpenTelemetry. The provider follows the RED pattern for tool invocations
// (rate, errors, duration) and adds a divergence counter, the one metric an
// operator must alarm on. A disabled provider is a no-op: every record
// method checks its instrument before touching it, so the core never
// branches on whether telemetry is configured.
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

	"github.com/requiemhq/requiem/pkg/fault"
)

const instrumentationName = "requiem.core"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is the gRPC collector address, e.g. "localhost:4317".
	OTLPEndpoint string
	// Enabled gates the whole provider. Off by default: the core must run
	// without a collector.
	Enabled  bool
	Insecure bool
	// BatchTimeout bounds how long spans wait before export.
	BatchTimeout time.Duration
}

// DefaultConfig returns the disabled development profile.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "requiem-core",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		Enabled:        false,
		Insecure:       true,
		BatchTimeout:   5 * time.Second,
	}
}

// Provider owns the meter and tracer providers and the runtime instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	invocations metric.Int64Counter
	errors      metric.Int64Counter
	divergences metric.Int64Counter
	duration    metric.Float64Histogram
}

// New builds a provider. With Enabled false it returns immediately and every
// instrument stays nil.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
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
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, err
	}
	if err := p.initMeterProvider(ctx, res); err != nil {
		return nil, err
	}

	p.tracer = otel.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName,
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("observability: build instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: trace exporter: %w", err)
	}

	batchTimeout := p.config.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 5 * time.Second
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(batchTimeout)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMeterProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.invocations, err = p.meter.Int64Counter("requiem.invocations.total",
		metric.WithDescription("Tool invocations through the gate"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return err
	}

	p.errors, err = p.meter.Int64Counter("requiem.errors.total",
		metric.WithDescription("Failed invocations by fault code"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	p.divergences, err = p.meter.Int64Counter("requiem.divergences.total",
		metric.WithDescription("Divergence events recorded by the sentinel"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	p.duration, err = p.meter.Float64Histogram("requiem.invocation.duration",
		metric.WithDescription("Invocation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
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
			p.logger.ErrorContext(ctx, "meter provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer, or the global default when the
// provider is disabled.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// StartSpan opens a span on the provider's tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordInvocation satisfies the gate's observer hook: one data point per
// gate call, split by tool and outcome.
func (p *Provider) RecordInvocation(toolName string, durationMs int64, err error) {
	ctx := context.Background()
	attrs := []attribute.KeyValue{attribute.String("tool", toolName)}

	if p.invocations != nil {
		p.invocations.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if p.duration != nil {
		p.duration.Record(ctx, float64(durationMs)/1000.0, metric.WithAttributes(attrs...))
	}
	if err != nil && p.errors != nil {
		errAttrs := append(attrs, attribute.String("code", faultCode(err)))
		p.errors.Add(ctx, 1, metric.WithAttributes(errAttrs...))
	}
}

// RecordDivergence counts one sentinel event by type.
func (p *Provider) RecordDivergence(divergenceType string, severity string) {
	if p.divergences == nil {
		return
	}
	p.divergences.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", divergenceType),
		attribute.String("severity", severity),
	))
}

func faultCode(err error) string {
	return string(fault.FromUnknown(err).Code)
}
