// Package tracing provides OpenTelemetry span instrumentation for the
// gateway's reservation, upstream-call, and extraction stages. Adapted
// structurally from this codebase's previous tracer (stdout exporter,
// always-sample provider set as the process global) with spans renamed for
// this domain.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerProvider owns the process-wide OpenTelemetry provider and a
// service-scoped tracer.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// Config configures the tracer provider's resource attributes.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
}

// NewTracerProvider builds a provider backed by a pretty-printed stdout
// exporter — no OTLP collector is assumed, matching the precedent this
// package was adapted from.
func NewTracerProvider(cfg Config) (*TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdout trace exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer(cfg.ServiceName),
	}, nil
}

// StartSpan starts a span under this provider's tracer.
func (tp *TracerProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tp.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithTimestamp(time.Now()),
	)
}

// Shutdown flushes and stops the tracer provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	return tp.provider.Shutdown(ctx)
}

// Span names for the three gateway stages that matter for latency
// attribution, per spec.md §4.5's state machine.
const (
	SpanReserve      = "gateway.reserve"
	SpanUpstreamCall = "gateway.upstream.call"
	SpanExtract      = "gateway.extract"
)

// Attribute keys shared across spans.
const (
	AttributeBucket     = attribute.Key("gateway.bucket")
	AttributeModel      = attribute.Key("gateway.model")
	AttributeKeyIndex   = attribute.Key("gateway.key_index")
	AttributeRetryAfter = attribute.Key("gateway.retry_after_seconds")
)
