package middleware

import (
	"context"
	"log/slog"

	"github.com/cascadehq/cascade/task"
)

// Timeout returns middleware that enforces the task's invocation
// deadline. If the task has a non-zero Timeout, a context.WithTimeout
// wraps the handler call.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) (*task.Result, error) {
		if t.Timeout > 0 {
			logger.Debug("task timeout set",
				slog.String("task_id", t.ID.String()),
				slog.Duration("timeout", t.Timeout),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, t.Timeout)
			defer cancel()
		}
		return next(ctx)
	}
}
