// Package tracing is a thin wrapper around OpenTelemetry so the rest of
// the code-base can start and end spans without touching the SDK.
package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

var (
	once    sync.Once
	initErr error
)

// Init installs a stdout-exporting tracer provider. It is safe to call
// multiple times; only the first call attempts initialisation, and later
// calls return that attempt's error, if any. Without Init spans are
// no-ops.
func Init() error {
	once.Do(func() {
		exporter, err := stdouttrace.New()
		if err != nil {
			initErr = err
			return
		}
		otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter)))
	})
	return initErr
}

// StartSpan begins a span on the package tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer("github.com/wdshin/php-app").Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// EndSpan records err, if any, and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
