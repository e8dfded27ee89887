package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/cascadehq/cascade/task"
)

// Logging returns middleware that logs invocation start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) (*task.Result, error) {
		logger.Info("task started",
			slog.String("task_id", t.ID.String()),
			slog.String("instance_id", t.InstanceID.String()),
			slog.String("step_id", t.StepID),
			slog.String("target", t.TargetService),
			slog.Int("attempt", t.Attempt),
		)

		start := time.Now()
		res, err := next(ctx)
		elapsed := time.Since(start)

		switch {
		case err != nil:
			logger.Error("task invocation errored",
				slog.String("task_id", t.ID.String()),
				slog.String("step_id", t.StepID),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		case !res.Success:
			logger.Warn("task failed",
				slog.String("task_id", t.ID.String()),
				slog.String("step_id", t.StepID),
				slog.Duration("elapsed", elapsed),
				slog.String("error", res.Error),
				slog.Bool("permanent", res.Permanent),
			)
		default:
			logger.Info("task completed",
				slog.String("task_id", t.ID.String()),
				slog.String("step_id", t.StepID),
				slog.Duration("elapsed", elapsed),
			)
		}
		return res, err
	}
}
