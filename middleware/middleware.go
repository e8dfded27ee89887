// Package middleware provides composable middleware for task
// invocation. Middleware wraps the invocation synchronously and can
// modify execution (recover from panics, log, enforce deadlines, add
// tracing and metrics).
package middleware

import (
	"context"

	"github.com/cascadehq/cascade/task"
)

// Handler is the terminal function that invokes the task.
type Handler func(ctx context.Context) (*task.Result, error)

// Middleware wraps a Handler with cross-cutting logic. It receives the
// current context, the task being invoked, and the next handler to
// call. Middleware MUST call next to continue the chain (unless
// short-circuiting).
type Middleware func(ctx context.Context, t *task.Task, next Handler) (*task.Result, error)

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, recovery, timeout) executes as:
//
//	logging → recovery → timeout → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) (*task.Result, error) {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) (*task.Result, error) {
				return mw(ctx, t, prev)
			}
		}
		return h(ctx)
	}
}

// Wrap applies the middleware chain around a task handler, producing a
// function suitable for worker pools.
func Wrap(h func(ctx context.Context, t *task.Task) (*task.Result, error), mws ...Middleware) func(ctx context.Context, t *task.Task) (*task.Result, error) {
	chain := Chain(mws...)
	return func(ctx context.Context, t *task.Task) (*task.Result, error) {
		return chain(ctx, t, func(ctx context.Context) (*task.Result, error) {
			return h(ctx, t)
		})
	}
}
