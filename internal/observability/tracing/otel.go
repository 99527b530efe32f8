// Package tracing wires OpenTelemetry span export for the ordering
// services. Spans are exported over OTLP gRPC; the endpoint defaults
// to a local collector and is overridden per deployment.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

type settings struct {
	version     string
	environment string
	endpoint    string
	sampleRatio float64
}

// Option adjusts tracer setup.
type Option func(*settings)

// WithEndpoint points the exporter at an OTLP gRPC collector. An empty
// endpoint keeps the default localhost:4317.
func WithEndpoint(endpoint string) Option {
	return func(s *settings) {
		if endpoint != "" {
			s.endpoint = endpoint
		}
	}
}

// WithEnvironment tags exported spans with a deployment environment.
func WithEnvironment(env string) Option {
	return func(s *settings) { s.environment = env }
}

// WithVersion tags exported spans with the service version.
func WithVersion(v string) Option {
	return func(s *settings) { s.version = v }
}

// WithSampleRatio sets head sampling. Ratios >= 1 sample everything.
func WithSampleRatio(ratio float64) Option {
	return func(s *settings) { s.sampleRatio = ratio }
}

// Init installs a global tracer provider for the named service and
// returns its shutdown function, which flushes buffered spans.
func Init(ctx context.Context, service string, opts ...Option) (func(context.Context) error, error) {
	s := settings{
		version:     "1.0.0",
		environment: "development",
		endpoint:    "localhost:4317",
		sampleRatio: 1.0,
	}
	for _, opt := range opts {
		opt(&s)
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(s.endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
			semconv.ServiceVersion(s.version),
			semconv.DeploymentEnvironment(s.environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if s.sampleRatio < 1.0 {
		sampler = sdktrace.TraceIDRatioBased(s.sampleRatio)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}
