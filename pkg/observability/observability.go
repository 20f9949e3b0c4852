// Package observability wires OpenTelemetry tracing and metrics for the
// kernel. When disabled, the global no-op providers are used so callers
// never need to nil-check.
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
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "execlayer.kernel"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC, e.g. "localhost:4317"
	SampleRate     float64
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns telemetry disabled with local collector defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "execlayer-kernel",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
	}
}

// Provider owns the trace and metric pipelines and the kernel instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	decisions    metric.Int64Counter
	errors       metric.Int64Counter
	latency      metric.Float64Histogram
	auditAppends metric.Int64Counter
}

// New creates a provider. A disabled config yields no-op instruments.
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
		return p, p.bind(otel.GetTracerProvider(), otel.GetMeterProvider())
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
	if err := p.bind(p.tracerProvider, p.meterProvider); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"insecure", config.Insecure,
	)
	return p, nil
}

// NewWithProviders binds instruments to caller-supplied providers.
func NewWithProviders(tp trace.TracerProvider, mp metric.MeterProvider) (*Provider, error) {
	p := &Provider{
		config: DefaultConfig(),
		logger: slog.Default().With("component", "observability"),
	}
	return p, p.bind(tp, mp)
}

// Disabled returns a provider whose spans and instruments discard
// everything.
func Disabled() *Provider {
	p, err := NewWithProviders(tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider())
	if err != nil {
		panic(err) // no-op instruments never fail
	}
	return p
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
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
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
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
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) bind(tp trace.TracerProvider, mp metric.MeterProvider) error {
	p.tracer = tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(p.config.ServiceVersion))
	p.meter = mp.Meter(instrumentationName, metric.WithInstrumentationVersion(p.config.ServiceVersion))

	var err error
	if p.decisions, err = p.meter.Int64Counter("execlayer.decisions.total",
		metric.WithDescription("Interceptions by verdict"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return fmt.Errorf("decisions counter: %w", err)
	}
	if p.errors, err = p.meter.Int64Counter("execlayer.errors.total",
		metric.WithDescription("Kernel errors by stage"),
		metric.WithUnit("{error}"),
	); err != nil {
		return fmt.Errorf("errors counter: %w", err)
	}
	if p.latency, err = p.meter.Float64Histogram("execlayer.decision.duration",
		metric.WithDescription("Interception latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0),
	); err != nil {
		return fmt.Errorf("latency histogram: %w", err)
	}
	if p.auditAppends, err = p.meter.Int64Counter("execlayer.audit.appends.total",
		metric.WithDescription("Audit log append attempts by outcome"),
		metric.WithUnit("{append}"),
	); err != nil {
		return fmt.Errorf("audit counter: %w", err)
	}
	return nil
}

// Shutdown flushes and stops the providers.
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

// StartSpan starts an internal span.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// RecordDecision counts a decision and records its latency.
func (p *Provider) RecordDecision(ctx context.Context, verdict, tool string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("verdict", verdict),
		attribute.String("tool", tool),
	)
	p.decisions.Add(ctx, 1, attrs)
	p.latency.Record(ctx, d.Seconds(), attrs)
}

// RecordError counts a kernel error at the given stage.
func (p *Provider) RecordError(ctx context.Context, stage string, err error) {
	p.errors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("error.type", fmt.Sprintf("%T", err)),
	))
}

// RecordAppend counts an audit append attempt.
func (p *Provider) RecordAppend(ctx context.Context, ok bool) {
	p.auditAppends.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ok", ok)))
}
