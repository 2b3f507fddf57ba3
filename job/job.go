package job

import (
	"encoding/json"
	"time"

	finsight "github.com/finsight/finsight"
	"github.com/finsight/finsight/id"
)

// Status represents the lifecycle status of an analysis job.
type Status string

const (
	// StatusQueued means the job is waiting for a worker, either freshly
	// admitted or parked between retry attempts.
	StatusQueued Status = "queued"
	// StatusRunning means a worker currently owns the job's stage execution.
	StatusRunning Status = "running"
	// StatusCompleted means all four stages finished and the result is merged.
	StatusCompleted Status = "completed"
	// StatusFailed means a stage failed terminally or exhausted its retry budget.
	StatusFailed Status = "failed"
	// StatusCancelled means the job was cancelled before completing.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Result is the accumulating analysis output, one section per completed
// stage plus completion metadata.
type Result map[string]json.RawMessage

// Clone returns a shallow copy of the result map.
func (r Result) Clone() Result {
	if r == nil {
		return nil
	}
	out := make(Result, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Job represents one analysis run of a document through the pipeline.
// Exactly one non-terminal job may exist per dedup key at a time; the
// stage only ever advances within a job's lifetime.
type Job struct {
	finsight.Entity

	ID          id.JobID       `json:"id"`
	DocumentID  id.DocumentID  `json:"document_id"`
	PrincipalID id.PrincipalID `json:"principal_id,omitempty"`
	DedupKey    string         `json:"dedup_key"`
	Prompt      string         `json:"prompt"`
	Stage       Stage          `json:"stage"`
	Status      Status         `json:"status"`

	// Attempts counts invocations of the current stage. It resets to zero
	// when the stage advances.
	Attempts int `json:"attempts"`

	Result Result   `json:"result,omitempty"`
	Error  *Failure `json:"error,omitempty"`

	// CancelRequested is the cooperative cancellation flag. The executor
	// checks it between stages; the in-flight stage call is allowed to
	// finish but its result is discarded.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// RunAt is the earliest time a worker may pick the job up. Retry
	// scheduling pushes it into the future by the backoff delay.
	RunAt       time.Time  `json:"run_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// New builds a freshly admitted job in queued state.
func New(docID id.DocumentID, principalID id.PrincipalID, prompt string) *Job {
	return &Job{
		Entity:      finsight.NewEntity(),
		ID:          id.NewJobID(),
		DocumentID:  docID,
		PrincipalID: principalID,
		DedupKey:    DedupKey(docID, prompt),
		Prompt:      NormalizePrompt(prompt),
		Stage:       StageQueued,
		Status:      StatusQueued,
		RunAt:       time.Now().UTC(),
	}
}
