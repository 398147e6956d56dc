// Package telemetry wires OpenTelemetry tracing and metrics for Ery.
// With the "none" exporter every tracer and meter is a no-op.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// ScopeName is the instrumentation scope for Ery traces and metrics.
const ScopeName = "github.com/zulandar/ery"

// Config selects the span exporter.
type Config struct {
	Exporter    string // none, stdout, otlp-http
	Endpoint    string
	ServiceName string
	SampleRate  float64
	Version     string
}

// Provider bundles the tracer, meter and instruments used by Ery components.
type Provider struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	Metrics        *Metrics
	shutdown       func(context.Context) error
}

// Noop returns a provider whose spans and instruments discard everything.
func Noop() *Provider {
	tp := nooptrace.NewTracerProvider()
	mp := noop.NewMeterProvider()
	meter := mp.Meter(ScopeName)
	metrics, _ := NewMetrics(meter) // noop instruments never fail
	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(ScopeName),
		Meter:          meter,
		Metrics:        metrics,
		shutdown:       func(context.Context) error { return nil },
	}
}

// Init builds a provider for cfg. The returned provider must be Shutdown on
// exit to flush pending spans.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Exporter == "" || cfg.Exporter == "none" {
		return Noop(), nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "ery"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	return newProvider(tp, mp, func(ctx context.Context) error {
		tErr := tp.Shutdown(ctx)
		mErr := mp.Shutdown(ctx)
		if tErr != nil {
			return tErr
		}
		return mErr
	})
}

// NewWithTracerProvider wraps an existing SDK tracer provider, used by tests
// that record spans in memory.
func NewWithTracerProvider(tp *sdktrace.TracerProvider) (*Provider, error) {
	return newProvider(tp, noop.NewMeterProvider(), tp.Shutdown)
}

func newProvider(tp trace.TracerProvider, mp metric.MeterProvider, shutdown func(context.Context) error) (*Provider, error) {
	meter := mp.Meter(ScopeName)
	metrics, err := NewMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("telemetry: metrics: %w", err)
	}
	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(ScopeName),
		Meter:          meter,
		Metrics:        metrics,
		shutdown:       shutdown,
	}, nil
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// OrNoop returns p, or a no-op provider when p is nil.
func OrNoop(p *Provider) *Provider {
	if p == nil {
		return Noop()
	}
	return p
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unknown exporter %q (supported: none, stdout, otlp-http)", cfg.Exporter)
	}
}

// Span attribute keys.
var (
	AttrThreadID     = attribute.Key("ery.thread.id")
	AttrBatchID      = attribute.Key("ery.batch.id")
	AttrChannelID    = attribute.Key("ery.channel.id")
	AttrGuildID      = attribute.Key("ery.guild.id")
	AttrTrigger      = attribute.Key("ery.batch.trigger")
	AttrToolName     = attribute.Key("ery.tool.name")
	AttrToolSuccess  = attribute.Key("ery.tool.success")
	AttrModel        = attribute.Key("ery.llm.model")
	AttrFallback     = attribute.Key("ery.llm.fallback")
	AttrTokensInput  = attribute.Key("ery.llm.tokens.input")
	AttrTokensOutput = attribute.Key("ery.llm.tokens.output")
	AttrIteration    = attribute.Key("ery.loop.iteration")
	AttrStatus       = attribute.Key("ery.status")
)

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (model provider,
// platform REST).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
