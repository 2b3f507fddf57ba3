package finsight

import "time"

// Config holds configuration for the analysis engine.
type Config struct {
	// Concurrency is the maximum number of documents analyzed concurrently.
	// Stages within one document always run strictly sequentially.
	Concurrency int

	// PollInterval is how often idle workers poll for runnable jobs.
	PollInterval time.Duration

	// MaxAttempts is the retry budget per pipeline stage. A transient
	// failure on attempt MaxAttempts fails the job.
	MaxAttempts int

	// RetryBase is the initial backoff delay for stage retries.
	RetryBase time.Duration

	// RetryMax caps the backoff delay regardless of attempt count.
	RetryMax time.Duration

	// StageTimeout is the deadline applied to each stage invocation.
	// Exceeding it counts as a transient failure.
	StageTimeout time.Duration

	// RateLimit is the number of submissions admitted per principal
	// within RateWindow.
	RateLimit int

	// RateWindow is the sliding-window length for admission control.
	RateWindow time.Duration

	// DedupRetention is how long an idempotency entry outlives its job's
	// terminal state. During this period resubmitting the same document
	// and prompt returns the terminal job instead of starting a new one.
	DedupRetention time.Duration

	// EventRetention is the number of events retained per document for
	// subscriber replay. Subscribers requesting older sequences receive
	// a resync signal.
	EventRetention int

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults. The rate limit
// defaults match the original service limits: 100 submissions per hour
// per principal.
func DefaultConfig() Config {
	return Config{
		Concurrency:     10,
		PollInterval:    250 * time.Millisecond,
		MaxAttempts:     3,
		RetryBase:       1 * time.Second,
		RetryMax:        1 * time.Minute,
		StageTimeout:    2 * time.Minute,
		RateLimit:       100,
		RateWindow:      1 * time.Hour,
		DedupRetention:  15 * time.Minute,
		EventRetention:  256,
		ShutdownTimeout: 30 * time.Second,
	}
}
