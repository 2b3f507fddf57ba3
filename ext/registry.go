package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/finsight/finsight/job"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type jobAdmittedEntry struct {
	name string
	hook JobAdmitted
}

type stageStartedEntry struct {
	name string
	hook StageStarted
}

type stageCompletedEntry struct {
	name string
	hook StageCompleted
}

type stageRetryingEntry struct {
	name string
	hook StageRetrying
}

type jobCompletedEntry struct {
	name string
	hook JobCompleted
}

type jobFailedEntry struct {
	name string
	hook JobFailed
}

type jobCancelledEntry struct {
	name string
	hook JobCancelled
}

type jobArchivedEntry struct {
	name string
	hook JobArchived
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	jobAdmitted    []jobAdmittedEntry
	stageStarted   []stageStartedEntry
	stageCompleted []stageCompletedEntry
	stageRetrying  []stageRetryingEntry
	jobCompleted   []jobCompletedEntry
	jobFailed      []jobFailedEntry
	jobCancelled   []jobCancelledEntry
	jobArchived    []jobArchivedEntry
	shutdown       []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(JobAdmitted); ok {
		r.jobAdmitted = append(r.jobAdmitted, jobAdmittedEntry{name, h})
	}
	if h, ok := e.(StageStarted); ok {
		r.stageStarted = append(r.stageStarted, stageStartedEntry{name, h})
	}
	if h, ok := e.(StageCompleted); ok {
		r.stageCompleted = append(r.stageCompleted, stageCompletedEntry{name, h})
	}
	if h, ok := e.(StageRetrying); ok {
		r.stageRetrying = append(r.stageRetrying, stageRetryingEntry{name, h})
	}
	if h, ok := e.(JobCompleted); ok {
		r.jobCompleted = append(r.jobCompleted, jobCompletedEntry{name, h})
	}
	if h, ok := e.(JobFailed); ok {
		r.jobFailed = append(r.jobFailed, jobFailedEntry{name, h})
	}
	if h, ok := e.(JobCancelled); ok {
		r.jobCancelled = append(r.jobCancelled, jobCancelledEntry{name, h})
	}
	if h, ok := e.(JobArchived); ok {
		r.jobArchived = append(r.jobArchived, jobArchivedEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Job event emitters
// ──────────────────────────────────────────────────

// EmitJobAdmitted notifies all extensions that implement JobAdmitted.
func (r *Registry) EmitJobAdmitted(ctx context.Context, j *job.Job) {
	for _, e := range r.jobAdmitted {
		if err := e.hook.OnJobAdmitted(ctx, j); err != nil {
			r.logHookError("OnJobAdmitted", e.name, err)
		}
	}
}

// EmitStageStarted notifies all extensions that implement StageStarted.
func (r *Registry) EmitStageStarted(ctx context.Context, j *job.Job, s job.Stage) {
	for _, e := range r.stageStarted {
		if err := e.hook.OnStageStarted(ctx, j, s); err != nil {
			r.logHookError("OnStageStarted", e.name, err)
		}
	}
}

// EmitStageCompleted notifies all extensions that implement StageCompleted.
func (r *Registry) EmitStageCompleted(ctx context.Context, j *job.Job, s job.Stage, elapsed time.Duration) {
	for _, e := range r.stageCompleted {
		if err := e.hook.OnStageCompleted(ctx, j, s, elapsed); err != nil {
			r.logHookError("OnStageCompleted", e.name, err)
		}
	}
}

// EmitStageRetrying notifies all extensions that implement StageRetrying.
func (r *Registry) EmitStageRetrying(ctx context.Context, j *job.Job, s job.Stage, attempt int, nextRunAt time.Time) {
	for _, e := range r.stageRetrying {
		if err := e.hook.OnStageRetrying(ctx, j, s, attempt, nextRunAt); err != nil {
			r.logHookError("OnStageRetrying", e.name, err)
		}
	}
}

// EmitJobCompleted notifies all extensions that implement JobCompleted.
func (r *Registry) EmitJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) {
	for _, e := range r.jobCompleted {
		if err := e.hook.OnJobCompleted(ctx, j, elapsed); err != nil {
			r.logHookError("OnJobCompleted", e.name, err)
		}
	}
}

// EmitJobFailed notifies all extensions that implement JobFailed.
func (r *Registry) EmitJobFailed(ctx context.Context, j *job.Job, jobErr error) {
	for _, e := range r.jobFailed {
		if err := e.hook.OnJobFailed(ctx, j, jobErr); err != nil {
			r.logHookError("OnJobFailed", e.name, err)
		}
	}
}

// EmitJobCancelled notifies all extensions that implement JobCancelled.
func (r *Registry) EmitJobCancelled(ctx context.Context, j *job.Job) {
	for _, e := range r.jobCancelled {
		if err := e.hook.OnJobCancelled(ctx, j); err != nil {
			r.logHookError("OnJobCancelled", e.name, err)
		}
	}
}

// EmitJobArchived notifies all extensions that implement JobArchived.
func (r *Registry) EmitJobArchived(ctx context.Context, j *job.Job, jobErr error) {
	for _, e := range r.jobArchived {
		if err := e.hook.OnJobArchived(ctx, j, jobErr); err != nil {
			r.logHookError("OnJobArchived", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block the pipeline.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
