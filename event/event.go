// Package event provides the per-document progress event bus. Events
// carry monotonically increasing sequence numbers per document and reach
// every subscriber in commit order; subscribers can replay missed events
// from a bounded retention buffer after reconnecting.
package event

import (
	"encoding/json"
	"time"

	"github.com/finsight/finsight/id"
	"github.com/finsight/finsight/job"
)

// Type identifies the kind of progress event.
type Type string

const (
	// TypeAdmitted is published once when a job passes admission.
	TypeAdmitted Type = "job.admitted"
	// TypeStageStarted is published when a worker begins a stage.
	TypeStageStarted Type = "stage.started"
	// TypeStageCompleted is published when a stage's payload is merged.
	TypeStageCompleted Type = "stage.completed"
	// TypeStageRetrying is the only event published for a retryable
	// stage failure.
	TypeStageRetrying Type = "stage.retrying"
	// TypeCompleted is the terminal success event.
	TypeCompleted Type = "job.completed"
	// TypeFailed is the terminal failure event.
	TypeFailed Type = "job.failed"
	// TypeCancelled is the terminal cancellation event.
	TypeCancelled Type = "job.cancelled"
)

// Event is one progress notification for a document's analysis job.
// Sequence numbers start at 1 and are assigned by the bus at publish
// time; delivery order to any subscriber matches assignment order.
type Event struct {
	ID         id.EventID      `json:"id"`
	DocumentID id.DocumentID   `json:"document_id"`
	JobID      id.JobID        `json:"job_id"`
	Sequence   uint64          `json:"sequence"`
	Type       Type            `json:"type"`
	Stage      job.Stage       `json:"stage"`
	Status     job.Status      `json:"status"`
	Timestamp  time.Time       `json:"ts"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Terminal reports whether this event ends the document's stream.
func (e *Event) Terminal() bool {
	return e.Status.Terminal()
}

// RetryPayload is the payload attached to TypeStageRetrying events.
type RetryPayload struct {
	Attempt   int    `json:"attempt"`
	NextRunAt string `json:"next_run_at"`
	Error     string `json:"error"`
}

// FailurePayload is the payload attached to TypeFailed events.
type FailurePayload struct {
	Kind   job.FailureKind `json:"kind"`
	Detail string          `json:"detail"`
	Stage  job.Stage       `json:"stage"`
}

// New builds an event for a job snapshot. The bus assigns ID, sequence,
// and timestamp at publish time.
func New(t Type, j *job.Job, payload json.RawMessage) *Event {
	return &Event{
		DocumentID: j.DocumentID,
		JobID:      j.ID,
		Type:       t,
		Stage:      j.Stage,
		Status:     j.Status,
		Payload:    payload,
	}
}
