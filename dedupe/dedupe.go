// Package dedupe provides the idempotency registry guarding job
// admission: repeated submissions carrying the same dedup key resolve to
// the same job instead of creating duplicate work.
package dedupe

import (
	"context"
	"sync"
	"time"

	"github.com/finsight/finsight/id"
)

// Factory creates and persists a new job for a key, returning its ID.
// It runs under the key's lock, so at most one factory call is in flight
// per key.
type Factory func(ctx context.Context) (id.JobID, error)

// Registry maps dedup keys to job IDs with atomic check-and-create
// semantics per key. Entries persist while their job is live and for a
// retention period after it terminates; after that the same key may
// start a fresh job.
type Registry struct {
	retention time.Duration
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// entry holds one key's mapping. expiresAt is zero while the job is
// non-terminal.
type entry struct {
	mu        sync.Mutex
	jobID     id.JobID
	settled   bool
	expiresAt time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the registry's time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry whose terminal entries expire after retention.
func New(retention time.Duration, opts ...Option) *Registry {
	r := &Registry{
		retention: retention,
		now:       time.Now,
		entries:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AdmitOrReuse returns the job holding the key, creating one via factory
// if no live mapping exists. Two concurrent callers sharing a key are
// serialized on the key's lock: one runs the factory, the other reuses
// its result. A factory error stores nothing.
func (r *Registry) AdmitOrReuse(ctx context.Context, key string, factory Factory) (id.JobID, bool, error) {
	e := r.keyEntry(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.settled && !r.expired(e) {
		return e.jobID, false, nil
	}

	jobID, err := factory(ctx)
	if err != nil {
		return id.Nil, false, err
	}

	e.jobID = jobID
	e.settled = true
	e.expiresAt = time.Time{}
	return jobID, true, nil
}

// AdmitOrReplace is AdmitOrReuse for archive replay: only a live job
// satisfies the key. A terminal mapping still inside retention does not
// block the factory, so replaying a failure mints a fresh job instead
// of resolving to the one that failed.
func (r *Registry) AdmitOrReplace(ctx context.Context, key string, factory Factory) (id.JobID, bool, error) {
	e := r.keyEntry(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.settled && e.expiresAt.IsZero() {
		return e.jobID, false, nil
	}

	jobID, err := factory(ctx)
	if err != nil {
		return id.Nil, false, err
	}

	e.jobID = jobID
	e.settled = true
	e.expiresAt = time.Time{}
	return jobID, true, nil
}

// Lookup returns the job currently holding the key, if any.
func (r *Registry) Lookup(key string) (id.JobID, bool) {
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()
	if !ok {
		return id.Nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.settled || r.expired(e) {
		return id.Nil, false
	}
	return e.jobID, true
}

// MarkTerminal starts the retention countdown for a key once its job
// reaches a terminal state. Unknown keys are ignored.
func (r *Registry) MarkTerminal(key string) {
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.settled && e.expiresAt.IsZero() {
		e.expiresAt = r.now().Add(r.retention)
	}
}

// Sweep drops expired entries. Call periodically to bound memory; the
// registry also treats expired entries as absent on access.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, e := range r.entries {
		e.mu.Lock()
		gone := e.settled && r.expired(e)
		e.mu.Unlock()
		if gone {
			delete(r.entries, key)
			removed++
		}
	}
	return removed
}

// keyEntry returns the entry for a key, creating it if needed.
func (r *Registry) keyEntry(key string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{}
		r.entries[key] = e
	}
	return e
}

// expired reports whether the entry's retention has lapsed.
// Caller holds e.mu.
func (r *Registry) expired(e *entry) bool {
	return !e.expiresAt.IsZero() && !r.now().Before(e.expiresAt)
}
