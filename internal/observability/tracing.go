package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ServiceName identifies the runner process in exported spans.
const ServiceName = "cirunner"

// Resource attribute keys describing which runner emitted a span.
const (
	RunnerNameKey     = attribute.Key("cirunner.runner.name")
	RunnerExecutorKey = attribute.Key("cirunner.executor")
)

// RunnerIdentity is attached to every span the runner exports.
type RunnerIdentity struct {
	Name     string
	Version  string
	Executor string
}

// RunnerResource describes the runner process for the trace pipeline.
func RunnerResource(ctx context.Context, id RunnerIdentity) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(ServiceName),
		RunnerExecutorKey.String(id.Executor),
	}
	if id.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(id.Version))
	}
	if id.Name != "" {
		attrs = append(attrs, RunnerNameKey.String(id.Name))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

// InitTracer installs a global trace provider exporting to collectorAddr
// over OTLP gRPC. The returned func flushes and stops it.
func InitTracer(ctx context.Context, id RunnerIdentity, collectorAddr string) (func(context.Context) error, error) {
	exporter, err := otlptracegrpc.New(
		ctx,
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithEndpoint(collectorAddr),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := RunnerResource(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	)

	return tp.Shutdown, nil
}
