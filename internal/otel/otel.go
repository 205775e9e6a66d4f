// Package otel wires OpenTelemetry tracing and metrics for the daemon.
// When disabled every handle is a functioning no-op, so call sites never
// guard against a missing provider.
package otel

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"strings"

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

const (
	// TracerName is the instrumentation scope for daemon traces.
	TracerName = "goloom"
	// MeterName is the instrumentation scope for daemon metrics.
	MeterName = "goloom"
	// Version is reported as a resource attribute on all telemetry.
	Version = "v0.3-dev"
)

// Config is the telemetry section of config.yaml.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Provider hands out the tracer and meter the daemon instruments with.
type Provider struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	closers []func(context.Context) error
}

// Init builds a Provider from cfg. The caller must Shutdown it on exit.
// A disabled config yields a no-op provider whose handles are still safe
// to use.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return noopProvider(), nil
	}

	exporter, err := buildSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build span exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cmp.Or(cfg.ServiceName, "goloom")),
		attribute.String("goloom.version", Version),
	))
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(
			sdktrace.TraceIDRatioBased(normalizeSampleRate(cfg.SampleRate)),
		)),
	)
	otel.SetTracerProvider(tp)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	return &Provider{
		Tracer:  tp.Tracer(TracerName),
		Meter:   mp.Meter(MeterName),
		closers: []func(context.Context) error{tp.Shutdown, mp.Shutdown},
	}, nil
}

// Shutdown flushes pending telemetry and releases the providers. Safe on
// a disabled provider, which has nothing to flush.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, closer := range p.closers {
		errs = append(errs, closer(ctx))
	}
	return errors.Join(errs...)
}

func noopProvider() *Provider {
	return &Provider{
		Tracer: nooptrace.NewTracerProvider().Tracer(TracerName),
		Meter:  noop.NewMeterProvider().Meter(MeterName),
	}
}

// normalizeSampleRate treats unset or out-of-range rates as sample-everything.
func normalizeSampleRate(rate float64) float64 {
	if rate <= 0 || rate > 1 {
		return 1.0
	}
	return rate
}

func buildSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Exporter)) {
	case "otlp-http", "":
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cmp.Or(cfg.Endpoint, "localhost:4318")),
			otlptracehttp.WithInsecure(),
		)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return dropExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter %q (want otlp-http, stdout, or none)", cfg.Exporter)
	}
}

// dropExporter discards all spans. Used for exporter=none.
type dropExporter struct{}

func (dropExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (dropExporter) Shutdown(context.Context) error                             { return nil }
