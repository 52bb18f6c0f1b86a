// Package telemetry sets up OpenTelemetry tracing for the client. Spans cover
// archive submission and outcome publishing; trace context travels in HTTP
// headers and Pub/Sub attributes.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// TracerName names the tracer used by instrumented components.
const TracerName = "github.com/JakeFAU/realtime-job-progress"

// Options configures the tracer provider.
type Options struct {
	ServiceName string
	Version     string
	// SampleRatio in [0,1]; values >= 1 sample everything.
	SampleRatio float64
	// Exporter receives finished spans. Nil keeps spans in-process only, which
	// still lets trace context propagate.
	Exporter sdktrace.SpanExporter
}

// InitTracerProvider installs a global trace provider and the W3C propagators.
// Callers own the returned provider's Shutdown.
func InitTracerProvider(ctx context.Context, opts Options) (*sdktrace.TracerProvider, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = "jobprogress"
	}
	attrs := []resource.Option{resource.WithAttributes(semconv.ServiceName(opts.ServiceName))}
	if opts.Version != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(opts.Version)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if opts.SampleRatio > 0 && opts.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))
	}
	providerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}
	if opts.Exporter != nil {
		providerOpts = append(providerOpts, sdktrace.WithBatcher(opts.Exporter))
	}

	tp := sdktrace.NewTracerProvider(providerOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(Propagator())
	return tp, nil
}

// Propagator returns the composite W3C trace-context and baggage propagator.
func Propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}
