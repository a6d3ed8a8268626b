// Package observability wires OpenTelemetry tracing for the engine. Tracing
// is off until Init runs; StartSpan degrades to a no-op tracer so library
// code never checks whether tracing is configured.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls tracing setup.
type Config struct {
	Enabled     bool
	Exporter    string // "otlp-http" (or "otlp"), "stdout" for a no-op sink
	Endpoint    string // collector endpoint for otlp, host:port
	ServiceName string
	SampleRate  float64
}

// Provider holds the configured tracer provider.
type Provider struct {
	tp      *sdktrace.TracerProvider
	tracer  trace.Tracer
	enabled bool
}

var globalProvider = &Provider{
	enabled: false,
	tracer:  trace.NewNoopTracerProvider().Tracer("methodcache"),
}

// Init configures the global tracer provider. With cfg.Enabled false it
// leaves the no-op tracer in place and returns nil.
func Init(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		return nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "methodcache"
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp-http", "otlp":
		opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return fmt.Errorf("create otlp exporter: %w", err)
		}
		exporter = exp
	case "stdout", "":
		exporter = &noopExporter{}
	default:
		return fmt.Errorf("unknown trace exporter: %s", cfg.Exporter)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 || sampleRate > 1 {
		sampleRate = 1
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return fmt.Errorf("create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
	otel.SetTracerProvider(tp)

	globalProvider = &Provider{
		tp:      tp,
		tracer:  tp.Tracer("methodcache"),
		enabled: true,
	}
	return nil
}

// Shutdown flushes and stops the tracer provider.
func Shutdown(ctx context.Context) error {
	if globalProvider.tp == nil {
		return nil
	}
	return globalProvider.tp.Shutdown(ctx)
}

// Tracer returns the active tracer.
func Tracer() trace.Tracer {
	return globalProvider.tracer
}

// Enabled reports whether real tracing is configured.
func Enabled() bool {
	return globalProvider.enabled
}

// noopExporter discards spans. Used for the "stdout" exporter setting so
// local runs can enable span bookkeeping without a collector.
type noopExporter struct{}

func (*noopExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	return nil
}

func (*noopExporter) Shutdown(ctx context.Context) error {
	return nil
}
