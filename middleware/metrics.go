package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cascadehq/cascade/task"
)

// meterName is the instrumentation scope name for cascade metrics.
const meterName = "github.com/cascadehq/cascade"

// Metrics returns middleware that records per-task invocation metrics
// using the global OTel MeterProvider. If no MeterProvider is
// configured, noop instruments are used and this middleware becomes a
// pass-through.
//
// Instruments:
//   - cascade.task.duration (Float64Histogram): invocation time in
//     seconds, with attributes: step_id, target_service, status
//   - cascade.task.invocations (Int64Counter): total invocations,
//     with attributes: step_id, target_service, status
func Metrics() Middleware {
	meter := otel.Meter(meterName)
	return MetricsWithMeter(meter)
}

// MetricsWithMeter returns metrics middleware using the provided meter.
// This variant allows injecting a specific MeterProvider for testing.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// Create instruments once at middleware construction time.
	// OTel instruments are safe for concurrent use. On error, the API
	// returns noop instruments so the middleware degrades gracefully.
	duration, dErr := meter.Float64Histogram(
		"cascade.task.duration",
		metric.WithDescription("Duration of task invocation in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr // noop fallback guaranteed by OTel API contract

	invocations, iErr := meter.Int64Counter(
		"cascade.task.invocations",
		metric.WithDescription("Total number of task invocations"),
		metric.WithUnit("{invocation}"),
	)
	_ = iErr // noop fallback guaranteed by OTel API contract

	return func(ctx context.Context, t *task.Task, next Handler) (*task.Result, error) {
		start := time.Now()
		res, err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		switch {
		case err != nil:
			status = "error"
		case !res.Success:
			status = "failed"
		}

		attrs := metric.WithAttributes(
			attribute.String("step_id", t.StepID),
			attribute.String("target_service", t.TargetService),
			attribute.String("status", status),
		)

		duration.Record(ctx, elapsed, attrs)
		invocations.Add(ctx, 1, attrs)

		return res, err
	}
}
