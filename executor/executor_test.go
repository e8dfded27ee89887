package executor_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/breaker"
	"github.com/cascadehq/cascade/executor"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/task"
)

func testTask() *task.Task {
	return task.New(id.NewInstanceID(), "charge", "payments", json.RawMessage(`{"amount":100}`), 1)
}

func TestHTTPInvokeSuccess(t *testing.T) {
	var gotPath string
	var gotReq map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"succeeded","output":{"txn":"t-1"}}`))
	}))
	defer srv.Close()

	inv := executor.NewHTTP(executor.StaticResolver(map[string]string{"payments": srv.URL}))
	res, err := inv.Invoke(context.Background(), testTask())
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !res.Success {
		t.Fatalf("success = false, error = %q", res.Error)
	}
	if string(res.Output) != `{"txn":"t-1"}` {
		t.Fatalf("output = %s", res.Output)
	}
	if gotPath != "/v1/execute" {
		t.Fatalf("path = %s, want /v1/execute", gotPath)
	}
	if gotReq["step_id"] != "charge" {
		t.Fatalf("step_id = %v, want charge", gotReq["step_id"])
	}
}

func TestHTTPInvokePermanentFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"failed","error":{"message":"card declined","permanent":true}}`))
	}))
	defer srv.Close()

	inv := executor.NewHTTP(executor.StaticResolver(map[string]string{"payments": srv.URL}))
	res, err := inv.Invoke(context.Background(), testTask())
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure")
	}
	if !res.Permanent {
		t.Fatal("expected permanent failure")
	}
	if res.Error != "card declined" {
		t.Fatalf("error = %q", res.Error)
	}
}

func TestHTTPInvokeServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	inv := executor.NewHTTP(executor.StaticResolver(map[string]string{"payments": srv.URL}))
	res, err := inv.Invoke(context.Background(), testTask())
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Success || res.Permanent {
		t.Fatalf("want retryable failure, got success=%v permanent=%v", res.Success, res.Permanent)
	}
}

func TestHTTPInvokeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"status":"succeeded"}`))
	}))
	defer srv.Close()

	inv := executor.NewHTTP(executor.StaticResolver(map[string]string{"payments": srv.URL}))
	tk := testTask()
	tk.Timeout = 20 * time.Millisecond

	res, err := inv.Invoke(context.Background(), tk)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if !res.Timeout {
		t.Fatalf("timeout flag not set, error = %q", res.Error)
	}
	if res.Permanent {
		t.Fatal("timeouts must stay retryable")
	}
}

func TestHTTPInvokeUnknownTargetIsPermanent(t *testing.T) {
	inv := executor.NewHTTP(executor.StaticResolver(map[string]string{}))
	res, err := inv.Invoke(context.Background(), testTask())
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Success || !res.Permanent {
		t.Fatalf("want permanent failure, got success=%v permanent=%v", res.Success, res.Permanent)
	}
}

func TestHTTPInvokeCompensationUsesCompStepID(t *testing.T) {
	var gotReq map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Write([]byte(`{"status":"succeeded"}`))
	}))
	defer srv.Close()

	inv := executor.NewHTTP(executor.StaticResolver(map[string]string{"payments": srv.URL}))
	tk := task.NewCompensation(id.NewInstanceID(), "charge", "refund", "payments", nil, 1)
	if _, err := inv.Invoke(context.Background(), tk); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if gotReq["step_id"] != "refund" {
		t.Fatalf("step_id = %v, want refund", gotReq["step_id"])
	}
	if gotReq["compensation"] != true {
		t.Fatalf("compensation = %v, want true", gotReq["compensation"])
	}
}

func TestBreakingFailsFastWhenOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	breakers := breaker.NewRegistry(breaker.WithThreshold(3), breaker.WithCooldown(time.Minute))
	inv := executor.NewBreaking(
		executor.NewHTTP(executor.StaticResolver(map[string]string{"payments": srv.URL})),
		breakers,
	)

	for i := 0; i < 3; i++ {
		res, err := inv.Invoke(context.Background(), testTask())
		if err != nil {
			t.Fatalf("invoke %d: %v", i, err)
		}
		if res.Success {
			t.Fatalf("invoke %d: expected failure", i)
		}
	}

	if _, err := inv.Invoke(context.Background(), testTask()); err != cascade.ErrCircuitOpen {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakingPermanentFailureDoesNotTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"failed","error":{"message":"bad input","permanent":true}}`))
	}))
	defer srv.Close()

	breakers := breaker.NewRegistry(breaker.WithThreshold(3), breaker.WithCooldown(time.Minute))
	inv := executor.NewBreaking(
		executor.NewHTTP(executor.StaticResolver(map[string]string{"payments": srv.URL})),
		breakers,
	)

	for i := 0; i < 5; i++ {
		if _, err := inv.Invoke(context.Background(), testTask()); err != nil {
			t.Fatalf("invoke %d: %v", i, err)
		}
	}
	if !breakers.Allow("payments") {
		t.Fatal("breaker tripped on permanent failures")
	}
}
