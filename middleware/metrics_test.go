package middleware_test

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/cascadehq/cascade/id"
	mw "github.com/cascadehq/cascade/middleware"
	"github.com/cascadehq/cascade/task"
)

func setupTestMeter() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return reader, mp
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestMetrics_RecordsDuration(t *testing.T) {
	reader, mp := setupTestMeter()
	m := mw.MetricsWithMeter(mp.Meter("test"))
	tk := task.New(id.NewInstanceID(), "charge", "payments", nil, 1)

	_, _ = m(context.Background(), tk, func(_ context.Context) (*task.Result, error) {
		return &task.Result{TaskID: tk.ID, Success: true, FinishedAt: time.Now().UTC()}, nil
	})

	rm := collectMetrics(t, reader)
	metric := findMetric(rm, "cascade.task.duration")
	if metric == nil {
		t.Fatal("cascade.task.duration metric not found")
	}

	hist, ok := metric.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("expected Histogram[float64] data type")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points recorded for duration")
	}
	if hist.DataPoints[0].Count != 1 {
		t.Errorf("expected count=1, got %d", hist.DataPoints[0].Count)
	}
}

func TestMetrics_RecordsInvocationStatus(t *testing.T) {
	tests := []struct {
		name       string
		res        *task.Result
		wantStatus string
	}{
		{"success", &task.Result{Success: true}, "ok"},
		{"failure", &task.Result{Error: "declined"}, "failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader, mp := setupTestMeter()
			m := mw.MetricsWithMeter(mp.Meter("test"))
			tk := task.New(id.NewInstanceID(), "charge", "payments", nil, 1)

			_, _ = m(context.Background(), tk, func(_ context.Context) (*task.Result, error) {
				return tt.res, nil
			})

			rm := collectMetrics(t, reader)
			metric := findMetric(rm, "cascade.task.invocations")
			if metric == nil {
				t.Fatal("cascade.task.invocations metric not found")
			}

			sum, ok := metric.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatal("expected Sum[int64] data type")
			}
			if len(sum.DataPoints) == 0 {
				t.Fatal("no data points recorded")
			}
			if sum.DataPoints[0].Value != 1 {
				t.Errorf("expected value=1, got %d", sum.DataPoints[0].Value)
			}

			found := false
			for _, attr := range sum.DataPoints[0].Attributes.ToSlice() {
				if string(attr.Key) == "status" && attr.Value.AsString() == tt.wantStatus {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("expected status=%s attribute on invocations counter", tt.wantStatus)
			}
		})
	}
}
