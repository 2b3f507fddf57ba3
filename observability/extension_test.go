package observability_test

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/finsight/finsight/job"
	"github.com/finsight/finsight/observability"
)

func setupExtension() (*sdkmetric.ManualReader, *observability.MetricsExtension) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return reader, observability.NewMetricsExtensionWithMeter(mp.Meter("test"))
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s: expected Sum[int64], got %T", name, m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestMetricsExtension_CountsLifecycleEvents(t *testing.T) {
	reader, m := setupExtension()
	ctx := context.Background()
	j := &job.Job{}

	_ = m.OnJobAdmitted(ctx, j)
	_ = m.OnJobAdmitted(ctx, j)
	_ = m.OnStageCompleted(ctx, j, job.StageVerifying, time.Second)
	_ = m.OnStageRetrying(ctx, j, job.StageAnalyzing, 1, time.Now())
	_ = m.OnJobCompleted(ctx, j, 2*time.Second)
	_ = m.OnJobFailed(ctx, j, errors.New("boom"))
	_ = m.OnJobCancelled(ctx, j)
	_ = m.OnJobArchived(ctx, j, errors.New("boom"))

	checks := map[string]int64{
		"finsight.jobs.admitted":    2,
		"finsight.stages.completed": 1,
		"finsight.stages.retried":   1,
		"finsight.jobs.completed":   1,
		"finsight.jobs.failed":      1,
		"finsight.jobs.cancelled":   1,
		"finsight.jobs.archived":    1,
	}
	for name, want := range checks {
		if got := counterValue(t, reader, name); got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}
}

func TestMetricsExtension_Name(t *testing.T) {
	_, m := setupExtension()
	if m.Name() != "observability-metrics" {
		t.Errorf("Name() = %q", m.Name())
	}
}
