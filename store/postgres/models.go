package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	finsight "github.com/finsight/finsight"
	"github.com/finsight/finsight/archive"
	"github.com/finsight/finsight/id"
	"github.com/finsight/finsight/job"
)

// jobColumns is the canonical column list used by every job query.
const jobColumns = `id, document_id, principal_id, dedup_key, prompt, stage,
	status, attempts, result, error, cancel_requested, run_at, started_at,
	completed_at, created_at, updated_at`

// scanner abstracts pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func jobFields(j *job.Job) (result, failure []byte, principal *string, err error) {
	if len(j.Result) > 0 {
		result, err = json.Marshal(j.Result)
		if err != nil {
			err = fmt.Errorf("finsight/postgres: marshal result: %w", err)
			return
		}
	}
	if j.Error != nil {
		failure, err = json.Marshal(j.Error)
		if err != nil {
			err = fmt.Errorf("finsight/postgres: marshal error: %w", err)
			return
		}
	}
	if !j.PrincipalID.IsNil() {
		s := j.PrincipalID.String()
		principal = &s
	}
	return
}

func jobArgs(j *job.Job) ([]any, error) {
	result, failure, principal, err := jobFields(j)
	if err != nil {
		return nil, err
	}

	return []any{
		j.ID.String(), j.DocumentID.String(), principal, j.DedupKey,
		j.Prompt, string(j.Stage), string(j.Status), j.Attempts,
		result, failure, j.CancelRequested, j.RunAt.UTC(),
		timePtr(j.StartedAt), timePtr(j.CompletedAt),
		j.CreatedAt.UTC(), j.UpdatedAt.UTC(),
	}, nil
}

// jobUpdateArgs is jobArgs without the id and the cancel flag: updates
// key on the id, and cancel_requested belongs to RequestCancel alone so
// a stale in-memory copy cannot clear a concurrent cancellation.
func jobUpdateArgs(j *job.Job) ([]any, error) {
	result, failure, principal, err := jobFields(j)
	if err != nil {
		return nil, err
	}

	return []any{
		j.DocumentID.String(), principal, j.DedupKey,
		j.Prompt, string(j.Stage), string(j.Status), j.Attempts,
		result, failure, j.RunAt.UTC(),
		timePtr(j.StartedAt), timePtr(j.CompletedAt),
		j.CreatedAt.UTC(), j.UpdatedAt.UTC(),
	}, nil
}

func timePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func scanJob(sc scanner) (*job.Job, error) {
	var (
		idStr, docStr, dedupKey, prompt, stg, status string
		principal                                    *string
		attempts                                     int
		result, failure                              []byte
		cancelRequested                              bool
		runAt, createdAt, updatedAt                  time.Time
		startedAt, completedAt                       *time.Time
	)
	err := sc.Scan(
		&idStr, &docStr, &principal, &dedupKey, &prompt, &stg, &status,
		&attempts, &result, &failure, &cancelRequested, &runAt,
		&startedAt, &completedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	jobID, err := id.ParseJobID(idStr)
	if err != nil {
		return nil, fmt.Errorf("finsight/postgres: parse job id %q: %w", idStr, err)
	}
	docID, err := id.ParseDocumentID(docStr)
	if err != nil {
		return nil, fmt.Errorf("finsight/postgres: parse document id %q: %w", docStr, err)
	}

	var principalID id.PrincipalID
	if principal != nil {
		principalID, err = id.ParsePrincipalID(*principal)
		if err != nil {
			return nil, fmt.Errorf("finsight/postgres: parse principal id %q: %w", *principal, err)
		}
	}

	var res job.Result
	if len(result) > 0 {
		if err := json.Unmarshal(result, &res); err != nil {
			return nil, fmt.Errorf("finsight/postgres: unmarshal result: %w", err)
		}
	}

	var jerr *job.Failure
	if len(failure) > 0 {
		jerr = new(job.Failure)
		if err := json.Unmarshal(failure, jerr); err != nil {
			return nil, fmt.Errorf("finsight/postgres: unmarshal error: %w", err)
		}
	}

	return &job.Job{
		Entity: finsight.Entity{
			CreatedAt: createdAt.UTC(),
			UpdatedAt: updatedAt.UTC(),
		},
		ID:              jobID,
		DocumentID:      docID,
		PrincipalID:     principalID,
		DedupKey:        dedupKey,
		Prompt:          prompt,
		Stage:           job.Stage(stg),
		Status:          job.Status(status),
		Attempts:        attempts,
		Result:          res,
		Error:           jerr,
		CancelRequested: cancelRequested,
		RunAt:           runAt.UTC(),
		StartedAt:       timePtr(startedAt),
		CompletedAt:     timePtr(completedAt),
	}, nil
}

// ── Archive ───────────────────────────────────────────────────────

const archiveColumns = `id, job_id, document_id, principal_id, prompt, stage,
	partial, error, kind, attempts, max_attempts, failed_at, replayed_at,
	created_at`

func archiveArgs(e *archive.Entry) ([]any, error) {
	var partial []byte
	if len(e.Partial) > 0 {
		raw, err := json.Marshal(e.Partial)
		if err != nil {
			return nil, fmt.Errorf("finsight/postgres: marshal partial result: %w", err)
		}
		partial = raw
	}

	var principal *string
	if !e.PrincipalID.IsNil() {
		s := e.PrincipalID.String()
		principal = &s
	}

	return []any{
		e.ID.String(), e.JobID.String(), e.DocumentID.String(), principal,
		e.Prompt, string(e.Stage), partial, e.Error, string(e.Kind),
		e.Attempts, e.MaxAttempts, e.FailedAt.UTC(),
		timePtr(e.ReplayedAt), e.CreatedAt.UTC(),
	}, nil
}

func scanArchive(sc scanner) (*archive.Entry, error) {
	var (
		idStr, jobStr, docStr, prompt, stg, errText, kind string
		principal                                         *string
		partial                                           []byte
		attempts, maxAttempts                             int
		failedAt, createdAt                               time.Time
		replayedAt                                        *time.Time
	)
	err := sc.Scan(
		&idStr, &jobStr, &docStr, &principal, &prompt, &stg, &partial,
		&errText, &kind, &attempts, &maxAttempts, &failedAt, &replayedAt,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	entryID, err := id.ParseArchiveID(idStr)
	if err != nil {
		return nil, fmt.Errorf("finsight/postgres: parse archive id %q: %w", idStr, err)
	}
	jobID, err := id.ParseJobID(jobStr)
	if err != nil {
		return nil, fmt.Errorf("finsight/postgres: parse job id %q: %w", jobStr, err)
	}
	docID, err := id.ParseDocumentID(docStr)
	if err != nil {
		return nil, fmt.Errorf("finsight/postgres: parse document id %q: %w", docStr, err)
	}

	var principalID id.PrincipalID
	if principal != nil {
		principalID, err = id.ParsePrincipalID(*principal)
		if err != nil {
			return nil, fmt.Errorf("finsight/postgres: parse principal id %q: %w", *principal, err)
		}
	}

	var part job.Result
	if len(partial) > 0 {
		if err := json.Unmarshal(partial, &part); err != nil {
			return nil, fmt.Errorf("finsight/postgres: unmarshal partial result: %w", err)
		}
	}

	return &archive.Entry{
		ID:          entryID,
		JobID:       jobID,
		DocumentID:  docID,
		PrincipalID: principalID,
		Prompt:      prompt,
		Stage:       job.Stage(stg),
		Partial:     part,
		Error:       errText,
		Kind:        job.FailureKind(kind),
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		FailedAt:    failedAt.UTC(),
		ReplayedAt:  timePtr(replayedAt),
		CreatedAt:   createdAt.UTC(),
	}, nil
}
