// Package telemetry configures the global OpenTelemetry trace provider
// from gateway config. Spans are emitted around message dispatch so a
// routed message can be followed from intake to reply.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "switchboard"

// Options controls exporter setup.
type Options struct {
	Enabled     bool
	Endpoint    string
	Protocol    string // "grpc" (default) or "http"
	ServiceName string
	Insecure    bool
}

// Setup installs the global trace provider and returns a shutdown func
// that flushes pending spans. Both are no-ops when telemetry is off.
func Setup(ctx context.Context, opts Options) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !opts.Enabled {
		return noop, nil
	}

	var client otlptrace.Client
	switch opts.Protocol {
	case "", "grpc":
		endpoint := opts.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		copts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if opts.Insecure {
			copts = append(copts, otlptracegrpc.WithInsecure())
		}
		client = otlptracegrpc.NewClient(copts...)
	case "http":
		endpoint := opts.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		copts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if opts.Insecure {
			copts = append(copts, otlptracehttp.WithInsecure())
		}
		client = otlptracehttp.NewClient(copts...)
	default:
		return nil, fmt.Errorf("telemetry: unknown protocol %q", opts.Protocol)
	}

	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create exporter: %w", err)
	}

	serviceName := opts.ServiceName
	if serviceName == "" {
		serviceName = tracerName
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	slog.Info("telemetry enabled", "endpoint", opts.Endpoint, "protocol", opts.Protocol, "service", serviceName)
	return tp.Shutdown, nil
}

// Tracer returns the tracer dispatch spans are started from.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
