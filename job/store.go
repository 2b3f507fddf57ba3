package job

import (
	"context"

	"github.com/finsight/finsight/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// DocumentID filters by owning document. Nil means all documents.
	DocumentID id.DocumentID
}

// Store defines the persistence contract for jobs. It is the single
// source of truth for job state; all mutation goes through it.
type Store interface {
	// EnqueueJob persists a new job in queued state.
	EnqueueJob(ctx context.Context, j *Job) error

	// DequeueJobs atomically claims up to limit runnable jobs, sets them
	// to running, and returns them. A job is runnable when it is queued,
	// its RunAt has passed, and no other job for the same document is
	// currently running — stage progress within a document is serialized.
	DequeueJobs(ctx context.Context, limit int) ([]*Job, error)

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateJob persists changes to an existing job.
	UpdateJob(ctx context.Context, j *Job) error

	// RequestCancel sets the cooperative cancellation flag on a job.
	// Terminal jobs are left untouched; the call is idempotent.
	RequestCancel(ctx context.Context, jobID id.JobID) error

	// ActiveJobByDedupKey returns the non-terminal job holding the given
	// dedup key, or finsight.ErrJobNotFound if none exists.
	ActiveJobByDedupKey(ctx context.Context, dedupKey string) (*Job, error)

	// ListJobsByStatus returns jobs matching the given status.
	ListJobsByStatus(ctx context.Context, status Status, opts ListOpts) ([]*Job, error)

	// JobsByDocument returns all jobs for a document, newest first.
	JobsByDocument(ctx context.Context, docID id.DocumentID) ([]*Job, error)
}
