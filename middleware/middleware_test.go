package middleware_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/middleware"
	"github.com/cascadehq/cascade/task"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okResult(t *task.Task) *task.Result {
	return &task.Result{TaskID: t.ID, Success: true, FinishedAt: time.Now().UTC()}
}

func TestChain_ExecutionOrder(t *testing.T) {
	var order []string

	mw1 := func(ctx context.Context, _ *task.Task, next middleware.Handler) (*task.Result, error) {
		order = append(order, "mw1-before")
		res, err := next(ctx)
		order = append(order, "mw1-after")
		return res, err
	}
	mw2 := func(ctx context.Context, _ *task.Task, next middleware.Handler) (*task.Result, error) {
		order = append(order, "mw2-before")
		res, err := next(ctx)
		order = append(order, "mw2-after")
		return res, err
	}

	chain := middleware.Chain(mw1, mw2)
	tk := task.New(id.NewInstanceID(), "charge", "payments", nil, 1)
	handler := func(_ context.Context) (*task.Result, error) {
		order = append(order, "handler")
		return okResult(tk), nil
	}

	if _, err := chain(context.Background(), tk, handler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(order), order)
	}
	for i, want := range expected {
		if order[i] != want {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want)
		}
	}
}

func TestChain_Empty(t *testing.T) {
	chain := middleware.Chain()
	tk := task.New(id.NewInstanceID(), "charge", "payments", nil, 1)
	called := false
	handler := func(_ context.Context) (*task.Result, error) {
		called = true
		return okResult(tk), nil
	}

	res, err := chain(context.Background(), tk, handler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called through empty chain")
	}
	if !res.Success {
		t.Fatal("result not passed through")
	}
}

func TestRecover_ConvertsPanicToError(t *testing.T) {
	tk := task.New(id.NewInstanceID(), "charge", "payments", nil, 1)
	mw := middleware.Recover(discardLogger())

	_, err := mw(context.Background(), tk, func(_ context.Context) (*task.Result, error) {
		panic("boom")
	})
	if err == nil {
		t.Fatal("expected error from panic")
	}
}

func TestRecover_PassesThroughNormalResults(t *testing.T) {
	tk := task.New(id.NewInstanceID(), "charge", "payments", nil, 1)
	mw := middleware.Recover(discardLogger())

	res, err := mw(context.Background(), tk, func(_ context.Context) (*task.Result, error) {
		return okResult(tk), nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Fatal("result mangled by recover middleware")
	}
}

func TestTimeout_CancelsContext(t *testing.T) {
	tk := task.New(id.NewInstanceID(), "charge", "payments", nil, 1)
	tk.Timeout = 10 * time.Millisecond
	mw := middleware.Timeout(discardLogger())

	_, err := mw(context.Background(), tk, func(ctx context.Context) (*task.Result, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return okResult(tk), nil
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestTimeout_ZeroTimeoutIsPassThrough(t *testing.T) {
	tk := task.New(id.NewInstanceID(), "charge", "payments", nil, 1)
	mw := middleware.Timeout(discardLogger())

	res, err := mw(context.Background(), tk, func(ctx context.Context) (*task.Result, error) {
		if _, hasDeadline := ctx.Deadline(); hasDeadline {
			t.Error("deadline set without task timeout")
		}
		return okResult(tk), nil
	})
	if err != nil || !res.Success {
		t.Fatalf("res=%v err=%v", res, err)
	}
}

func TestLogging_PassesThrough(t *testing.T) {
	tk := task.New(id.NewInstanceID(), "charge", "payments", nil, 1)
	mw := middleware.Logging(discardLogger())

	res, err := mw(context.Background(), tk, func(_ context.Context) (*task.Result, error) {
		return &task.Result{TaskID: tk.ID, Error: "declined", FinishedAt: time.Now().UTC()}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Error != "declined" {
		t.Fatalf("result mangled: %+v", res)
	}
}

func TestWrap_AppliesChainToTaskHandler(t *testing.T) {
	tk := task.New(id.NewInstanceID(), "charge", "payments", nil, 1)
	var sawTask *task.Task

	handler := middleware.Wrap(
		func(_ context.Context, t *task.Task) (*task.Result, error) {
			return okResult(t), nil
		},
		func(ctx context.Context, t *task.Task, next middleware.Handler) (*task.Result, error) {
			sawTask = t
			return next(ctx)
		},
	)

	res, err := handler(context.Background(), tk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Fatal("result not propagated")
	}
	if sawTask != tk {
		t.Fatal("middleware did not receive the task")
	}
}
