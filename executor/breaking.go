package executor

import (
	"context"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/breaker"
	"github.com/cascadehq/cascade/task"
)

// Breaking wraps an Invoker with per-target circuit breakers. When the
// target's breaker is open, Invoke fails fast with ErrCircuitOpen so
// the scheduler can hold the task instead of burning an attempt.
type Breaking struct {
	next     Invoker
	breakers *breaker.Registry
}

// NewBreaking wraps next with the given breaker registry.
func NewBreaking(next Invoker, breakers *breaker.Registry) *Breaking {
	return &Breaking{next: next, breakers: breakers}
}

// Invoke checks the target's breaker, delegates, and records the
// outcome. Transient failures (timeouts, transport errors, 5xx,
// retryable step failures) count against the breaker. Permanent
// failures mean the service answered and understood the request, so
// they count as breaker success even though the step failed.
func (b *Breaking) Invoke(ctx context.Context, t *task.Task) (*task.Result, error) {
	if !b.breakers.Allow(t.TargetService) {
		return nil, cascade.ErrCircuitOpen
	}

	res, err := b.next.Invoke(ctx, t)
	if err != nil {
		b.breakers.Failure(t.TargetService)
		return nil, err
	}

	if res.Success || res.Permanent {
		b.breakers.Success(t.TargetService)
	} else {
		b.breakers.Failure(t.TargetService)
	}
	return res, nil
}
