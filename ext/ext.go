// Package ext defines the extension system for Finsight.
// Extensions are notified of lifecycle events (job admitted, stage
// completed, job failed, etc.) and can react to them — logging, metrics,
// audit trails, etc.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/finsight/finsight/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobAdmitted is called after a submission passes admission control and
// the job is durably enqueued.
type JobAdmitted interface {
	OnJobAdmitted(ctx context.Context, j *job.Job) error
}

// StageStarted is called when a worker begins executing a pipeline stage.
type StageStarted interface {
	OnStageStarted(ctx context.Context, j *job.Job, s job.Stage) error
}

// StageCompleted is called after a pipeline stage completes and its
// section is merged into the job result.
type StageCompleted interface {
	OnStageCompleted(ctx context.Context, j *job.Job, s job.Stage, elapsed time.Duration) error
}

// StageRetrying is called when a stage fails transiently and is
// scheduled for another attempt.
type StageRetrying interface {
	OnStageRetrying(ctx context.Context, j *job.Job, s job.Stage, attempt int, nextRunAt time.Time) error
}

// JobCompleted is called after all pipeline stages finish and the job
// reaches the completed status.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called when a job fails terminally (no more retries).
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobCancelled is called when a cancellation request takes effect and
// the job reaches the cancelled status.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, j *job.Job) error
}

// JobArchived is called when a terminally failed job is pushed to the
// failure archive.
type JobArchived interface {
	OnJobArchived(ctx context.Context, j *job.Job, err error) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
