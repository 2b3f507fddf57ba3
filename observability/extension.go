package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/finsight/finsight/ext"
	"github.com/finsight/finsight/job"
)

// meterName is the instrumentation scope name for lifecycle metrics.
const meterName = "github.com/finsight/finsight/observability"

// Compile-time interface checks.
var (
	_ ext.Extension      = (*MetricsExtension)(nil)
	_ ext.JobAdmitted    = (*MetricsExtension)(nil)
	_ ext.StageCompleted = (*MetricsExtension)(nil)
	_ ext.StageRetrying  = (*MetricsExtension)(nil)
	_ ext.JobCompleted   = (*MetricsExtension)(nil)
	_ ext.JobFailed      = (*MetricsExtension)(nil)
	_ ext.JobCancelled   = (*MetricsExtension)(nil)
	_ ext.JobArchived    = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle metrics via the OTel
// metric API. Register it as an engine extension to automatically track
// admission rates, stage completions, retry counts, failures,
// cancellations, and archive entries. If no MeterProvider is configured
// globally, all instruments are noops.
type MetricsExtension struct {
	jobsAdmitted    metric.Int64Counter
	stagesCompleted metric.Int64Counter
	stagesRetried   metric.Int64Counter
	jobsCompleted   metric.Int64Counter
	jobsFailed      metric.Int64Counter
	jobsCancelled   metric.Int64Counter
	jobsArchived    metric.Int64Counter
	jobDuration     metric.Float64Histogram
}

// NewMetricsExtension creates a MetricsExtension using the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. This variant allows injecting a specific MeterProvider
// for testing.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	m := &MetricsExtension{}

	// On error the OTel API returns noop instruments, so instrument
	// creation failures degrade gracefully.
	m.jobsAdmitted, _ = meter.Int64Counter("finsight.jobs.admitted",
		metric.WithDescription("Total jobs admitted past rate limiting and deduplication"),
		metric.WithUnit("{job}"))
	m.stagesCompleted, _ = meter.Int64Counter("finsight.stages.completed",
		metric.WithDescription("Total pipeline stages completed"),
		metric.WithUnit("{stage}"))
	m.stagesRetried, _ = meter.Int64Counter("finsight.stages.retried",
		metric.WithDescription("Total stage retry attempts scheduled"),
		metric.WithUnit("{attempt}"))
	m.jobsCompleted, _ = meter.Int64Counter("finsight.jobs.completed",
		metric.WithDescription("Total jobs completed successfully"),
		metric.WithUnit("{job}"))
	m.jobsFailed, _ = meter.Int64Counter("finsight.jobs.failed",
		metric.WithDescription("Total jobs failed terminally"),
		metric.WithUnit("{job}"))
	m.jobsCancelled, _ = meter.Int64Counter("finsight.jobs.cancelled",
		metric.WithDescription("Total jobs cancelled"),
		metric.WithUnit("{job}"))
	m.jobsArchived, _ = meter.Int64Counter("finsight.jobs.archived",
		metric.WithDescription("Total failed jobs pushed to the archive"),
		metric.WithUnit("{job}"))
	m.jobDuration, _ = meter.Float64Histogram("finsight.job.duration",
		metric.WithDescription("End-to-end duration of completed jobs in seconds"),
		metric.WithUnit("s"))

	return m
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnJobAdmitted implements ext.JobAdmitted.
func (m *MetricsExtension) OnJobAdmitted(ctx context.Context, _ *job.Job) error {
	m.jobsAdmitted.Add(ctx, 1)
	return nil
}

// OnStageCompleted implements ext.StageCompleted.
func (m *MetricsExtension) OnStageCompleted(ctx context.Context, _ *job.Job, s job.Stage, _ time.Duration) error {
	m.stagesCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", string(s)),
	))
	return nil
}

// OnStageRetrying implements ext.StageRetrying.
func (m *MetricsExtension) OnStageRetrying(ctx context.Context, _ *job.Job, s job.Stage, _ int, _ time.Time) error {
	m.stagesRetried.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", string(s)),
	))
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, _ *job.Job, elapsed time.Duration) error {
	m.jobsCompleted.Add(ctx, 1)
	m.jobDuration.Record(ctx, elapsed.Seconds())
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, _ *job.Job, err error) error {
	m.jobsFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(job.Classify(err))),
	))
	return nil
}

// OnJobCancelled implements ext.JobCancelled.
func (m *MetricsExtension) OnJobCancelled(ctx context.Context, _ *job.Job) error {
	m.jobsCancelled.Add(ctx, 1)
	return nil
}

// OnJobArchived implements ext.JobArchived.
func (m *MetricsExtension) OnJobArchived(ctx context.Context, _ *job.Job, _ error) error {
	m.jobsArchived.Add(ctx, 1)
	return nil
}
