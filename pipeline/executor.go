package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/finsight/finsight/archive"
	"github.com/finsight/finsight/backoff"
	"github.com/finsight/finsight/event"
	"github.com/finsight/finsight/ext"
	"github.com/finsight/finsight/job"
	"github.com/finsight/finsight/middleware"
	"github.com/finsight/finsight/stage"
)

// Executor runs one claimed job through its remaining stages. State is
// committed to the store before the matching event is published, so a
// subscriber never observes progress that is not durable.
type Executor struct {
	store      job.Store
	stages     *stage.Registry
	bus        *event.Bus
	archiver   *archive.Service
	extensions *ext.Registry
	policy     *backoff.Policy
	mw         middleware.Middleware
	logger     *slog.Logger
}

// NewExecutor creates an Executor. archiver may be nil to disable the
// failure archive.
func NewExecutor(
	store job.Store,
	stages *stage.Registry,
	bus *event.Bus,
	archiver *archive.Service,
	extensions *ext.Registry,
	policy *backoff.Policy,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		store:      store,
		stages:     stages,
		bus:        bus,
		archiver:   archiver,
		extensions: extensions,
		policy:     policy,
		mw:         middleware.Chain(mws...),
		logger:     logger,
	}
}

// Execute drives a dequeued job forward: stages run in order with a
// cooperative cancellation check between each. The call returns when the
// job reaches a terminal state or is parked for a retry.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	for {
		if e.cancelRequested(ctx, j) {
			return e.finalizeCancelled(ctx, j)
		}

		s := nextStage(j)
		if s == "" {
			return e.finalizeCompleted(ctx, j)
		}

		if err := e.enterStage(ctx, j, s); err != nil {
			return err
		}

		start := time.Now()
		payload, execErr := e.runStage(ctx, j, s)
		elapsed := time.Since(start)

		if execErr != nil {
			return e.handleFailure(ctx, j, s, execErr)
		}

		// A stage call in flight when cancellation arrives is allowed to
		// finish, but its result is discarded and publishes nothing.
		if e.cancelRequested(ctx, j) {
			return e.finalizeCancelled(ctx, j)
		}

		if err := e.completeStage(ctx, j, s, payload, elapsed); err != nil {
			return err
		}
	}
}

// nextStage returns the stage the job should run next, or "" when the
// pipeline is finished. A parked retry resumes the stage it failed in;
// a stage whose section is already merged advances.
func nextStage(j *job.Job) job.Stage {
	s := j.Stage
	if s == job.StageQueued {
		return s.Next()
	}
	if _, done := j.Result[s.Section()]; done {
		return s.Next()
	}
	return s
}

// cancelRequested refreshes the cooperative cancellation flag from the
// store. A read failure falls back to the local flag rather than
// aborting the pipeline.
func (e *Executor) cancelRequested(ctx context.Context, j *job.Job) bool {
	fresh, err := e.store.GetJob(ctx, j.ID)
	if err != nil {
		e.logger.Warn("cancel check failed, using local flag",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return j.CancelRequested
	}
	j.CancelRequested = fresh.CancelRequested
	return j.CancelRequested
}

func (e *Executor) enterStage(ctx context.Context, j *job.Job, s job.Stage) error {
	if j.Stage != s {
		j.Stage = s
		j.Attempts = 0
	}
	j.Attempts++
	j.Touch()

	if err := e.store.UpdateJob(ctx, j); err != nil {
		return fmt.Errorf("pipeline: enter stage %s: %w", s, err)
	}
	e.bus.Publish(event.New(event.TypeStageStarted, j, nil))
	e.extensions.EmitStageStarted(ctx, j, s)

	e.logger.Debug("stage started",
		slog.String("job_id", j.ID.String()),
		slog.String("document_id", j.DocumentID.String()),
		slog.String("stage", string(s)),
		slog.Int("attempt", j.Attempts),
	)
	return nil
}

func (e *Executor) runStage(ctx context.Context, j *job.Job, s job.Stage) (json.RawMessage, error) {
	exec, err := e.stages.Get(s)
	if err != nil {
		return nil, job.Terminal("no executor bound for stage %s", s)
	}

	in := stage.Input{
		JobID:      j.ID,
		DocumentID: j.DocumentID,
		Prompt:     j.Prompt,
		Stage:      s,
		Prior:      j.Result.Clone(),
		Attempt:    j.Attempts,
	}

	return e.mw(ctx, in, func(ctx context.Context) (json.RawMessage, error) {
		return exec.Execute(ctx, in)
	})
}

func (e *Executor) completeStage(ctx context.Context, j *job.Job, s job.Stage, payload json.RawMessage, elapsed time.Duration) error {
	if j.Result == nil {
		j.Result = make(job.Result)
	}
	j.Result[s.Section()] = payload
	j.Attempts = 0
	j.Touch()

	if err := e.store.UpdateJob(ctx, j); err != nil {
		return fmt.Errorf("pipeline: complete stage %s: %w", s, err)
	}
	e.bus.Publish(event.New(event.TypeStageCompleted, j, payload))
	e.extensions.EmitStageCompleted(ctx, j, s, elapsed)
	return nil
}

func (e *Executor) handleFailure(ctx context.Context, j *job.Job, s job.Stage, execErr error) error {
	d := e.policy.Decide(j.Attempts, execErr)
	if d.Retry {
		return e.parkRetry(ctx, j, s, execErr, d.Delay)
	}
	return e.finalizeFailed(ctx, j, d.Failure)
}

// parkRetry returns the job to the queue with a backoff delay. Only a
// stage-retry notice is published; the stage and attempt count carry
// over to the next claim.
func (e *Executor) parkRetry(ctx context.Context, j *job.Job, s job.Stage, execErr error, delay time.Duration) error {
	now := time.Now().UTC()
	nextRunAt := now.Add(delay)
	j.Status = job.StatusQueued
	j.RunAt = nextRunAt
	j.Touch()

	if err := e.store.UpdateJob(ctx, j); err != nil {
		return fmt.Errorf("pipeline: park retry: %w", err)
	}

	payload, _ := json.Marshal(event.RetryPayload{ //nolint:errcheck // struct of strings and ints
		Attempt:   j.Attempts,
		NextRunAt: nextRunAt.Format(time.RFC3339Nano),
		Error:     execErr.Error(),
	})
	e.bus.Publish(event.New(event.TypeStageRetrying, j, payload))
	e.extensions.EmitStageRetrying(ctx, j, s, j.Attempts, nextRunAt)

	e.logger.Info("stage scheduled for retry",
		slog.String("job_id", j.ID.String()),
		slog.String("stage", string(s)),
		slog.Int("attempt", j.Attempts),
		slog.Int("max_attempts", e.policy.MaxAttempts),
		slog.Duration("delay", delay),
	)
	return nil
}

func (e *Executor) finalizeCompleted(ctx context.Context, j *job.Job) error {
	now := time.Now().UTC()
	if j.Result == nil {
		j.Result = make(job.Result)
	}
	// Completion metadata alongside the four sections, matching the
	// original payload shape.
	j.Result["query_used"] = mustJSON(j.Prompt)
	j.Result["source"] = mustJSON(j.DocumentID.String())
	j.Result["generated_at"] = mustJSON(now.Format(time.RFC3339Nano))

	j.Status = job.StatusCompleted
	j.CompletedAt = &now
	j.Touch()

	if err := e.store.UpdateJob(ctx, j); err != nil {
		return fmt.Errorf("pipeline: finalize completed: %w", err)
	}

	payload, _ := json.Marshal(j.Result) //nolint:errcheck // sections are validated JSON
	e.bus.Publish(event.New(event.TypeCompleted, j, payload))

	elapsed := now.Sub(j.CreatedAt)
	if j.StartedAt != nil {
		elapsed = now.Sub(*j.StartedAt)
	}
	e.extensions.EmitJobCompleted(ctx, j, elapsed)

	e.logger.Info("job completed",
		slog.String("job_id", j.ID.String()),
		slog.String("document_id", j.DocumentID.String()),
		slog.Duration("elapsed", elapsed),
	)
	return nil
}

func (e *Executor) finalizeFailed(ctx context.Context, j *job.Job, failure *job.Failure) error {
	now := time.Now().UTC()
	j.Status = job.StatusFailed
	j.Error = failure
	j.CompletedAt = &now
	j.Touch()

	if err := e.store.UpdateJob(ctx, j); err != nil {
		return fmt.Errorf("pipeline: finalize failed: %w", err)
	}

	if e.archiver != nil {
		if archErr := e.archiver.Push(ctx, j, failure); archErr != nil {
			e.logger.Error("failed to archive job",
				slog.String("job_id", j.ID.String()),
				slog.String("error", archErr.Error()),
			)
		} else {
			e.extensions.EmitJobArchived(ctx, j, failure)
		}
	}

	payload, _ := json.Marshal(event.FailurePayload{ //nolint:errcheck // struct of strings
		Kind:   failure.Kind,
		Detail: failure.Detail,
		Stage:  j.Stage,
	})
	e.bus.Publish(event.New(event.TypeFailed, j, payload))
	e.extensions.EmitJobFailed(ctx, j, failure)

	e.logger.Warn("job failed",
		slog.String("job_id", j.ID.String()),
		slog.String("document_id", j.DocumentID.String()),
		slog.String("stage", string(j.Stage)),
		slog.String("kind", string(failure.Kind)),
		slog.String("error", failure.Detail),
	)
	return failure
}

func (e *Executor) finalizeCancelled(ctx context.Context, j *job.Job) error {
	now := time.Now().UTC()
	j.Status = job.StatusCancelled
	j.Error = &job.Failure{Kind: job.FailureCancelled, Detail: "cancellation requested"}
	j.CompletedAt = &now
	j.Touch()

	if err := e.store.UpdateJob(ctx, j); err != nil {
		return fmt.Errorf("pipeline: finalize cancelled: %w", err)
	}
	e.bus.Publish(event.New(event.TypeCancelled, j, nil))
	e.extensions.EmitJobCancelled(ctx, j)

	e.logger.Info("job cancelled",
		slog.String("job_id", j.ID.String()),
		slog.String("document_id", j.DocumentID.String()),
		slog.String("stage", string(j.Stage)),
	)
	return nil
}

func mustJSON(v any) json.RawMessage {
	raw, _ := json.Marshal(v) //nolint:errcheck // strings always marshal
	return raw
}
