// Package memory provides a fully in-memory store backend. Safe for
// concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	finsight "github.com/finsight/finsight"
	"github.com/finsight/finsight/archive"
	"github.com/finsight/finsight/id"
	"github.com/finsight/finsight/job"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ job.Store     = (*Store)(nil)
	_ archive.Store = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	jobs     map[string]*job.Job
	archives map[string]*archive.Entry
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:     make(map[string]*job.Job),
		archives: make(map[string]*archive.Entry),
	}
}

// cloneJob returns a deep-enough copy so callers can mutate without
// racing with the store. Result maps are cloned; timestamps are values.
func cloneJob(j *job.Job) *job.Job {
	cp := *j
	cp.Result = j.Result.Clone()
	return &cp
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// EnqueueJob persists a new job in queued state.
func (m *Store) EnqueueJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return finsight.ErrJobAlreadyExists
	}
	m.jobs[key] = cloneJob(j)
	return nil
}

// DequeueJobs atomically claims up to limit runnable jobs, sets them to
// running, and returns them. A job is runnable when it is queued, its
// RunAt has passed, and no other job for the same document is currently
// running. At most one job per document is claimed per call so stage
// progress within a document stays serialized.
func (m *Store) DequeueJobs(_ context.Context, limit int) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()

	// Documents that already have a running job are off-limits.
	busy := make(map[string]struct{})
	for _, j := range m.jobs {
		if j.Status == job.StatusRunning {
			busy[j.DocumentID.String()] = struct{}{}
		}
	}

	// Collect candidates.
	candidates := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.Status != job.StatusQueued {
			continue
		}
		if !j.RunAt.IsZero() && j.RunAt.After(now) {
			continue
		}
		if _, ok := busy[j.DocumentID.String()]; ok {
			continue
		}
		candidates = append(candidates, j)
	}

	// Oldest RunAt first.
	sort.Slice(candidates, func(i, k int) bool {
		return candidates[i].RunAt.Before(candidates[k].RunAt)
	})

	result := make([]*job.Job, 0, len(candidates))
	for _, j := range candidates {
		if limit > 0 && len(result) >= limit {
			break
		}
		docKey := j.DocumentID.String()
		if _, ok := busy[docKey]; ok {
			continue
		}
		busy[docKey] = struct{}{}

		j.Status = job.StatusRunning
		if j.StartedAt == nil {
			n := now
			j.StartedAt = &n
		}
		j.UpdatedAt = now
		result = append(result, cloneJob(j))
	}

	return result, nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, finsight.ErrJobNotFound
	}
	return cloneJob(j), nil
}

// UpdateJob persists changes to an existing job. The cancel flag is
// written only by RequestCancel, so an update carrying a stale copy
// cannot clear a cancellation that landed in between.
func (m *Store) UpdateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	existing, ok := m.jobs[key]
	if !ok {
		return finsight.ErrJobNotFound
	}
	cp := cloneJob(j)
	cp.CancelRequested = existing.CancelRequested
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[key] = cp
	return nil
}

// RequestCancel sets the cooperative cancellation flag on a job.
// Terminal jobs are left untouched; the call is idempotent.
func (m *Store) RequestCancel(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return finsight.ErrJobNotFound
	}
	if j.Status.Terminal() {
		return nil
	}
	j.CancelRequested = true
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// ActiveJobByDedupKey returns the non-terminal job holding the given
// dedup key, or finsight.ErrJobNotFound if none exists.
func (m *Store) ActiveJobByDedupKey(_ context.Context, dedupKey string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, j := range m.jobs {
		if j.DedupKey == dedupKey && !j.Status.Terminal() {
			return cloneJob(j), nil
		}
	}
	return nil, finsight.ErrJobNotFound
}

// ListJobsByStatus returns jobs matching the given status.
func (m *Store) ListJobsByStatus(_ context.Context, status job.Status, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.Status != status {
			continue
		}
		if !opts.DocumentID.IsNil() && j.DocumentID != opts.DocumentID {
			continue
		}
		result = append(result, cloneJob(j))
	}

	// Sort by CreatedAt for deterministic output.
	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	// Apply offset / limit.
	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// JobsByDocument returns all jobs for a document, newest first.
func (m *Store) JobsByDocument(_ context.Context, docID id.DocumentID) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, 4)
	for _, j := range m.jobs {
		if j.DocumentID == docID {
			result = append(result, cloneJob(j))
		}
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.After(result[k].CreatedAt)
	})

	return result, nil
}

// ──────────────────────────────────────────────────
// Archive Store
// ──────────────────────────────────────────────────

// PushArchive adds a failed job entry to the archive.
func (m *Store) PushArchive(_ context.Context, entry *archive.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.archives[entry.ID.String()] = &cp
	return nil
}

// ListArchive returns archive entries matching the given options,
// newest first.
func (m *Store) ListArchive(_ context.Context, opts archive.ListOpts) ([]*archive.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*archive.Entry, 0, len(m.archives))
	for _, e := range m.archives {
		if !opts.DocumentID.IsNil() && e.DocumentID != opts.DocumentID {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].FailedAt.After(result[k].FailedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// GetArchive retrieves an archive entry by ID.
func (m *Store) GetArchive(_ context.Context, entryID id.ArchiveID) (*archive.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.archives[entryID.String()]
	if !ok {
		return nil, finsight.ErrArchiveNotFound
	}
	cp := *e
	return &cp, nil
}

// ReplayArchive marks an archive entry as replayed.
func (m *Store) ReplayArchive(_ context.Context, entryID id.ArchiveID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.archives[entryID.String()]
	if !ok {
		return finsight.ErrArchiveNotFound
	}
	now := time.Now().UTC()
	e.ReplayedAt = &now
	return nil
}

// PurgeArchive removes archive entries with FailedAt before the given
// time. Returns the number of entries removed.
func (m *Store) PurgeArchive(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for key, e := range m.archives {
		if e.FailedAt.Before(before) {
			delete(m.archives, key)
			removed++
		}
	}
	return removed, nil
}

// CountArchive returns the total number of entries in the archive.
func (m *Store) CountArchive(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return int64(len(m.archives)), nil
}
