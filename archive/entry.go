package archive

import (
	"time"

	"github.com/finsight/finsight/id"
	"github.com/finsight/finsight/job"
)

// Entry represents a job that has failed terminally and been moved to
// the failure archive for inspection or replay.
type Entry struct {
	ID          id.ArchiveID    `json:"id"`
	JobID       id.JobID        `json:"job_id"`
	DocumentID  id.DocumentID   `json:"document_id"`
	PrincipalID id.PrincipalID  `json:"principal_id,omitempty"`
	Prompt      string          `json:"prompt"`
	Stage       job.Stage       `json:"stage"`
	Partial     job.Result      `json:"partial,omitempty"`
	Error       string          `json:"error"`
	Kind        job.FailureKind `json:"kind"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	FailedAt    time.Time       `json:"failed_at"`
	ReplayedAt  *time.Time      `json:"replayed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
