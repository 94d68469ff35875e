// Package observability sets up trace export for the chat client.
package observability

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/edustream/classchat/config"
)

// Tracing owns the tracer provider handed to the history client.
type Tracing struct {
	provider oteltrace.TracerProvider
	shutdown []func(context.Context) error
}

// NewTracing builds a provider exporting over OTLP/HTTP. Without an endpoint
// it returns a no-op provider.
func NewTracing(ctx context.Context, cfg config.TracingConfig, version string) (*Tracing, error) {
	if cfg.OTLPEndpoint == "" {
		return &Tracing{provider: noop.NewTracerProvider()}, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
	}

	provider := newProvider(exporter, cfg, version)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracing{
		provider: provider,
		shutdown: []func(context.Context) error{provider.Shutdown},
	}, nil
}

// NewTracingWithExporter wires an arbitrary exporter, mostly for tests.
func NewTracingWithExporter(exporter sdktrace.SpanExporter, cfg config.TracingConfig, version string) *Tracing {
	provider := newProvider(exporter, cfg, version)

	return &Tracing{
		provider: provider,
		shutdown: []func(context.Context) error{provider.Shutdown},
	}
}

// Provider returns the tracer provider.
func (t *Tracing) Provider() oteltrace.TracerProvider {
	return t.provider
}

// Shutdown flushes pending spans.
func (t *Tracing) Shutdown(ctx context.Context) error {
	var first error

	for _, fn := range t.shutdown {
		if err := fn(ctx); err != nil && first == nil {
			first = err
		}
	}

	return first
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	endpoint := cfg.OTLPEndpoint
	insecure := cfg.Insecure

	// accept a URL as well as host:port
	switch {
	case strings.HasPrefix(endpoint, "http://"):
		endpoint = strings.TrimPrefix(endpoint, "http://")
		insecure = true
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = strings.TrimPrefix(endpoint, "https://")
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(strings.TrimSuffix(endpoint, "/")),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	}

	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	return otlptracehttp.New(ctx, opts...)
}

func newProvider(exporter sdktrace.SpanExporter, cfg config.TracingConfig, version string) *sdktrace.TracerProvider {
	name := cfg.ServiceName
	if name == "" {
		name = "classchat"
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(name),
		semconv.ServiceVersion(version),
		attribute.String("component", "chat-client"),
	)

	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
		sdktrace.WithBatcher(exporter),
	)
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}
