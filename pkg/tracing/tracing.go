// Package tracing wraps OpenTelemetry span creation for the pipeline's
// stage boundaries, so every stage's work shows up as a child span of the
// request that triggered it without each package importing the otel SDK
// directly.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/procsuite/procsuite"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartStage starts a span named "procsuite.<stage>" as a child of ctx's
// current span. Callers defer the returned End func at the top of each
// pipeline stage.
func StartStage(ctx context.Context, stage string) (context.Context, func(err error)) {
	ctx, span := tracer().Start(ctx, "procsuite."+stage)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// SetAttributes attaches key/value attributes to the current span in ctx,
// a no-op if ctx carries no active span.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
