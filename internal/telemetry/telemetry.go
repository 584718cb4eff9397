package telemetry

import (
	"context"
	"fmt"

	"tableorder/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Setup installs W3C propagation and, when cfg names an endpoint, an OTLP
// trace exporter tagged with the service name, version and environment. The
// returned func flushes and stops the exporter.
func Setup(ctx context.Context, serviceName string, cfg config.TelemetryConfig) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	noop := func(context.Context) error { return nil }
	if cfg.Endpoint == "" {
		return noop, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return noop, fmt.Errorf("otlp exporter: %w", err)
	}

	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(serviceResource(serviceName, cfg)),
		trace.WithSampler(sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

func serviceResource(serviceName string, cfg config.TelemetryConfig) *resource.Resource {
	attrs := resource.NewSchemaless(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(cfg.Version),
		semconv.DeploymentEnvironmentKey.String(cfg.Environment),
	)
	merged, err := resource.Merge(resource.Default(), attrs)
	if err != nil {
		// Schema URLs disagree; the service attributes still matter most.
		return attrs
	}
	return merged
}

// sampler keeps upstream sampling decisions and samples new traces at ratio.
func sampler(ratio float64) trace.Sampler {
	switch {
	case ratio >= 1:
		return trace.ParentBased(trace.AlwaysSample())
	case ratio <= 0:
		return trace.ParentBased(trace.NeverSample())
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
}
