package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var tracerName = "edge-gateway"

// ConfigureTracing names the gateway tracer. When tracing is disabled the
// global provider is replaced with a no-op one so registered SDKs stay silent.
// It must run before the first span is started.
func ConfigureTracing(enabled bool, serviceName string) {
	if serviceName != "" {
		tracerName = serviceName
	}
	if !enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
	}
}

// Tracer returns the gateway tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan opens a span for one pipeline stage.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on the span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
