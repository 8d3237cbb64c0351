// Copyright 2025 James Ross
package obs

import (
	"context"
	"fmt"
	"os"

	"github.com/flyingrobots/dicom-gateway/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// MaybeInitTracing optionally initializes a global tracer provider with
// sampling and W3C trace-context propagation. It deliberately does not wire
// a span exporter here: where spans are shipped is an operational concern
// external to the core (see spec.md §1), so a disabled tracer simply emits
// no-op spans and an enabled one records spans in-process for any processor
// the caller registers via the returned provider's RegisterSpanProcessor
// before Shutdown.
func MaybeInitTracing(cfg *config.Config) (*sdktrace.TracerProvider, error) {
	if !cfg.Observability.Tracing.Enabled {
		return nil, nil
	}

	hostname, _ := os.Hostname()
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", "dicom-gateway"),
			attribute.String("service.version", "1.0.0"),
			attribute.String("host.name", hostname),
			attribute.String("environment", cfg.Observability.Tracing.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build tracing resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch cfg.Observability.Tracing.SamplingStrategy {
	case "always":
		sampler = sdktrace.AlwaysSample()
	case "never":
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.Observability.Tracing.SamplingRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp, nil
}

// StartAssociationSpan creates a span for one inbound or outbound DICOM
// association.
func StartAssociationSpan(ctx context.Context, role, peerAE string) (context.Context, trace.Span) {
	tracer := otel.Tracer("dicom-gateway")
	return tracer.Start(ctx, "dicom.association",
		trace.WithAttributes(
			attribute.String("association.role", role),
			attribute.String("association.peer_ae", peerAE),
		),
	)
}

// StartJobSpan creates a span for one forward-job claim-to-finalize cycle.
func StartJobSpan(ctx context.Context, jobID, destinationID string, attempt int) (context.Context, trace.Span) {
	tracer := otel.Tracer("dicom-gateway")
	return tracer.Start(ctx, "forward_job.process",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("job.destination_id", destinationID),
			attribute.Int("job.attempt", attempt),
		),
	)
}

// RecordError records an error on the span if one exists in the context.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks the span as successful.
func SetSpanSuccess(ctx context.Context) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetStatus(codes.Ok, "success")
	}
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// AddSpanAttributes adds attributes to the current span.
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// TracerShutdown gracefully shuts down the tracer provider.
func TracerShutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// KeyValue creates an attribute key-value pair for use in spans and events.
func KeyValue(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
