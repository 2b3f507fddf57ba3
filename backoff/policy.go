package backoff

import (
	"time"

	"github.com/finsight/finsight/job"
)

// Decision is the outcome of consulting the retry policy after a stage
// failure: retry after a delay, or give up and fail the job.
type Decision struct {
	Retry bool
	Delay time.Duration

	// Failure is the job-level failure to record when giving up. It
	// promotes an exhausted transient failure to FailureRetryExhausted
	// and passes terminal failures through unchanged.
	Failure *job.Failure
}

// Policy decides, per stage failure, whether to retry and after what
// delay. It is stateless and safe for concurrent use.
type Policy struct {
	// MaxAttempts is the per-stage retry budget. A transient failure on
	// attempt MaxAttempts gives up.
	MaxAttempts int

	// Strategy computes the retry delay from the attempt number.
	Strategy Strategy
}

// NewPolicy creates a retry policy.
func NewPolicy(maxAttempts int, strategy Strategy) *Policy {
	if strategy == nil {
		strategy = DefaultStrategy()
	}
	return &Policy{MaxAttempts: maxAttempts, Strategy: strategy}
}

// Decide inspects the failed attempt (1-indexed) and its error.
// Terminal failures give up immediately regardless of remaining budget;
// transient failures retry until the budget is exhausted, after which
// the failure is promoted to FailureRetryExhausted.
func (p *Policy) Decide(attempt int, err error) Decision {
	f := job.AsFailure(err)

	if !f.Kind.Retryable() {
		return Decision{Failure: f}
	}

	if attempt >= p.MaxAttempts {
		return Decision{
			Failure: &job.Failure{Kind: job.FailureRetryExhausted, Detail: f.Detail},
		}
	}

	return Decision{Retry: true, Delay: p.Strategy.Delay(attempt)}
}
