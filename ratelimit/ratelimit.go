// Package ratelimit provides sliding-window admission control per
// principal. Each principal's window is independent state behind its own
// lock, so concurrent submissions from different principals never
// serialize on a global mutex.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter admits up to Capacity requests per principal within a sliding
// Window. Denied attempts are not counted against the window.
type Limiter struct {
	capacity int
	window   time.Duration

	// now is a test seam; production limiters use time.Now.
	now func() time.Time

	principals sync.Map // principal → *principalWindow
}

// principalWindow holds one principal's admitted timestamps, oldest first.
type principalWindow struct {
	mu     sync.Mutex
	stamps []time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the limiter's time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter admitting capacity requests per window.
func New(capacity int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		capacity: capacity,
		window:   window,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit records and allows the request if the principal is under
// capacity. On denial it returns the duration until the oldest admitted
// entry leaves the window, rounded up to the next millisecond, and
// records nothing.
func (l *Limiter) Admit(principal string) (bool, time.Duration) {
	val, _ := l.principals.LoadOrStore(principal, &principalWindow{})
	pw := val.(*principalWindow) //nolint:errcheck // map always stores *principalWindow

	pw.mu.Lock()
	defer pw.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	// Prune entries that have left the window.
	i := 0
	for i < len(pw.stamps) && !pw.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		pw.stamps = append(pw.stamps[:0], pw.stamps[i:]...)
	}

	if len(pw.stamps) < l.capacity {
		pw.stamps = append(pw.stamps, now)
		return true, 0
	}

	retryAfter := pw.stamps[0].Add(l.window).Sub(now)
	return false, ceilMillisecond(retryAfter)
}

// Pending returns the principal's current admitted count, for stats.
func (l *Limiter) Pending(principal string) int {
	val, ok := l.principals.Load(principal)
	if !ok {
		return 0
	}
	pw := val.(*principalWindow) //nolint:errcheck // map always stores *principalWindow

	pw.mu.Lock()
	defer pw.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	n := 0
	for _, ts := range pw.stamps {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

// ceilMillisecond rounds d up to the next whole millisecond, with a
// floor of one millisecond so a denial always carries a positive wait.
func ceilMillisecond(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Millisecond
	}
	if rem := d % time.Millisecond; rem != 0 {
		return d + time.Millisecond - rem
	}
	return d
}
