package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cascadehq/cascade/task"
)

// tracerName is the instrumentation scope name for cascade tracing.
const tracerName = "github.com/cascadehq/cascade"

// Tracing returns middleware that wraps task invocation in an
// OpenTelemetry span. If no TracerProvider is configured globally, the
// default noop tracer is used and this middleware becomes a
// pass-through with zero overhead.
//
// Span attributes include: cascade.task.id, cascade.instance.id,
// cascade.step.id, cascade.target_service, cascade.attempt and
// cascade.compensation. On error, the span status is set to
// codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided
// tracer. This variant allows injecting a specific TracerProvider for
// testing or when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) (*task.Result, error) {
		ctx, span := tracer.Start(ctx, "cascade.task.invoke",
			trace.WithAttributes(
				attribute.String("cascade.task.id", t.ID.String()),
				attribute.String("cascade.instance.id", t.InstanceID.String()),
				attribute.String("cascade.step.id", t.StepID),
				attribute.String("cascade.target_service", t.TargetService),
				attribute.Int("cascade.attempt", t.Attempt),
				attribute.Bool("cascade.compensation", t.Compensation),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		res, err := next(ctx)
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case !res.Success:
			span.SetStatus(codes.Error, res.Error)
		default:
			span.SetStatus(codes.Ok, "")
		}

		return res, err
	}
}
