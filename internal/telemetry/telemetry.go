// Package telemetry wires the process's OpenTelemetry tracer provider, the
// same exporter the sandbox and DB HTTP clients feed spans into via
// otelhttp's transport wrapper.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OTLP exporter. Disabled deployments (Enabled false)
// run with the SDK's default no-op tracer, so otelhttp-wrapped
// calls remain cheap no-ops rather than erroring.
type Config struct {
	ServiceName  string
	Environment  string
	OTLPEndpoint string
	Enabled      bool
}

// Provider owns the process tracer provider and its shutdown.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	enabled        bool
}

// NewProvider configures the global tracer provider and propagator.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		slog.Info("telemetry disabled")
		return &Provider{enabled: false}, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	slog.Info("telemetry initialized", "service", cfg.ServiceName, "endpoint", cfg.OTLPEndpoint)
	return &Provider{tracerProvider: tp, enabled: true}, nil
}

// Shutdown flushes and stops the tracer provider. Safe to call on a
// disabled Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.enabled || p.tracerProvider == nil {
		return nil
	}
	return p.tracerProvider.Shutdown(ctx)
}

// Tracer returns the process tracer, a no-op implementation when telemetry
// is disabled.
func (p *Provider) Tracer(name string) trace.Tracer {
	if !p.enabled {
		return otel.Tracer(name)
	}
	return p.tracerProvider.Tracer(name)
}
