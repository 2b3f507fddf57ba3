package job

import (
	"context"
	"errors"
	"fmt"
)

// FailureKind classifies a stage failure for retry decisions and for the
// job-level error surfaced on terminal failure.
type FailureKind string

const (
	// FailureTransient marks failures worth retrying: timeouts, upstream
	// unavailability.
	FailureTransient FailureKind = "transient"
	// FailureTerminal marks failures that no retry can fix: malformed
	// input, content rejected.
	FailureTerminal FailureKind = "terminal"
	// FailureRetryExhausted is a transient failure promoted after the
	// stage retry budget ran out.
	FailureRetryExhausted FailureKind = "retry_budget_exhausted"
	// FailureCancelled marks jobs cancelled by the user or the owning
	// document's lifecycle.
	FailureCancelled FailureKind = "cancelled"
)

// Failure is a typed stage or job error. Stage executors return it to
// signal whether the error is retryable; the job record stores it when
// the job fails.
type Failure struct {
	Kind   FailureKind `json:"kind"`
	Detail string      `json:"detail"`
}

// Error implements the error interface.
func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
}

// Transient builds a retryable failure.
func Transient(format string, args ...any) *Failure {
	return &Failure{Kind: FailureTransient, Detail: fmt.Sprintf(format, args...)}
}

// Terminal builds a non-retryable failure.
func Terminal(format string, args ...any) *Failure {
	return &Failure{Kind: FailureTerminal, Detail: fmt.Sprintf(format, args...)}
}

// Classify maps an arbitrary stage executor error to a FailureKind.
// Deadline expiry and unclassified errors count as transient; a typed
// *Failure keeps its own kind.
func Classify(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTransient
	}
	return FailureTransient
}

// AsFailure converts an arbitrary stage executor error to a *Failure,
// preserving a typed failure and classifying anything else.
func AsFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Kind: Classify(err), Detail: err.Error()}
}

// Retryable reports whether the failure kind permits another attempt.
func (k FailureKind) Retryable() bool {
	return k == FailureTransient
}
