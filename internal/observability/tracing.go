package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = ServiceName

// ShutdownFunc flushes and stops the trace provider.
type ShutdownFunc func(ctx context.Context) error

// InitTracer installs an OTLP/gRPC trace provider when endpoint is set.
// With no endpoint the global no-op provider stays in place.
func InitTracer(ctx context.Context, serviceName, endpoint string) (ShutdownFunc, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartStageSpan starts a span for one agent stage of a cycle.
func StartStageSpan(ctx context.Context, cycleID, agent string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, agent,
		trace.WithAttributes(
			attribute.String("cycle.id", cycleID),
			attribute.String("agent", agent),
		),
	)
}

// StartCycleSpan starts the root span of a pipeline cycle.
func StartCycleSpan(ctx context.Context, cycleID, source string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "cycle",
		trace.WithAttributes(
			attribute.String("cycle.id", cycleID),
			attribute.String("cycle.trigger", source),
		),
	)
}

// StartResolutionSpan starts a span for a HITL resolution.
func StartResolutionSpan(ctx context.Context, proposalID, decision string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "hitl.resolve",
		trace.WithAttributes(
			attribute.String("proposal.id", proposalID),
			attribute.String("hitl.decision", decision),
		),
	)
}
