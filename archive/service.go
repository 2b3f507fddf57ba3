package archive

import (
	"context"
	"time"

	"github.com/finsight/finsight/id"
	"github.com/finsight/finsight/job"
)

// AdmitFunc routes a document+prompt pair through job admission on
// behalf of a replay. Implementations must guarantee at most one live
// job per dedup key; the bool reports whether a new job was minted.
type AdmitFunc func(ctx context.Context, docID id.DocumentID, principal id.PrincipalID, prompt string) (*job.Job, bool, error)

// Service provides high-level archive operations over a Store.
type Service struct {
	store       Store
	jobStore    job.Store
	maxAttempts int
	admit       AdmitFunc
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithAdmit sets the admission path used by Replay. Without it the
// service enqueues directly, guarding the dedup key through the job
// store alone.
func WithAdmit(fn AdmitFunc) ServiceOption {
	return func(s *Service) { s.admit = fn }
}

// NewService creates an archive service. maxAttempts is recorded on
// entries and used for replayed jobs.
func NewService(store Store, jobStore job.Store, maxAttempts int, opts ...ServiceOption) *Service {
	s := &Service{store: store, jobStore: jobStore, maxAttempts: maxAttempts}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Push builds an archive Entry from a terminally failed job and persists
// it. The failure detail and kind are captured from the final error.
func (s *Service) Push(ctx context.Context, j *job.Job, jobErr error) error {
	now := time.Now().UTC()
	f := job.AsFailure(jobErr)
	entry := &Entry{
		ID:          id.NewArchiveID(),
		JobID:       j.ID,
		DocumentID:  j.DocumentID,
		PrincipalID: j.PrincipalID,
		Prompt:      j.Prompt,
		Stage:       j.Stage,
		Partial:     j.Result.Clone(),
		Error:       f.Detail,
		Kind:        f.Kind,
		Attempts:    j.Attempts,
		MaxAttempts: s.maxAttempts,
		FailedAt:    now,
		CreatedAt:   now,
	}
	return s.store.PushArchive(ctx, entry)
}

// ArchiveStore returns the underlying archive store for direct access
// to List, Get, Purge, and Count operations.
func (s *Service) ArchiveStore() Store {
	return s.store
}
