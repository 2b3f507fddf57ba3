package middleware

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/finsight/finsight/stage"
)

// tracerName is the instrumentation scope name for finsight tracing.
const tracerName = "github.com/finsight/finsight"

// Tracing returns middleware that wraps stage execution in an OpenTelemetry
// span. If no TracerProvider is configured globally, the default noop tracer
// is used and this middleware becomes a pass-through with zero overhead.
//
// Span attributes include: finsight.job.id, finsight.document.id,
// finsight.stage, finsight.attempt. On error, the span status is set to
// codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, in stage.Input, next Handler) (json.RawMessage, error) {
		ctx, span := tracer.Start(ctx, "finsight.stage.execute",
			trace.WithAttributes(
				attribute.String("finsight.job.id", in.JobID.String()),
				attribute.String("finsight.document.id", in.DocumentID.String()),
				attribute.String("finsight.stage", string(in.Stage)),
				attribute.Int("finsight.attempt", in.Attempt),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		out, err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return out, err
	}
}
