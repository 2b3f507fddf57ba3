package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	finsight "github.com/finsight/finsight"
	"github.com/finsight/finsight/archive"
	"github.com/finsight/finsight/id"
	"github.com/finsight/finsight/job"
)

// timeFormat is how timestamps are stored in TEXT columns. The fixed-width
// fractional second keeps lexicographic ordering consistent with time
// ordering, which the dequeue query relies on for run_at comparisons.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("finsight/sqlite: parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ── Job row ───────────────────────────────────────────────────────

// jobColumns is the canonical column list used by every job query.
const jobColumns = `id, document_id, principal_id, dedup_key, prompt, stage,
	status, attempts, result, error_kind, error_detail, cancel_requested,
	run_at, started_at, completed_at, created_at, updated_at`

type jobRow struct {
	ID              string
	DocumentID      string
	PrincipalID     sql.NullString
	DedupKey        string
	Prompt          string
	Stage           string
	Status          string
	Attempts        int
	Result          sql.NullString
	ErrorKind       sql.NullString
	ErrorDetail     sql.NullString
	CancelRequested bool
	RunAt           string
	StartedAt       sql.NullString
	CompletedAt     sql.NullString
	CreatedAt       string
	UpdatedAt       string
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanJobRow(sc scanner) (*jobRow, error) {
	r := new(jobRow)
	err := sc.Scan(
		&r.ID, &r.DocumentID, &r.PrincipalID, &r.DedupKey, &r.Prompt,
		&r.Stage, &r.Status, &r.Attempts, &r.Result, &r.ErrorKind,
		&r.ErrorDetail, &r.CancelRequested, &r.RunAt, &r.StartedAt,
		&r.CompletedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func jobFields(j *job.Job) (result, errKind, errDetail, principal sql.NullString, err error) {
	if len(j.Result) > 0 {
		raw, mErr := json.Marshal(j.Result)
		if mErr != nil {
			err = fmt.Errorf("finsight/sqlite: marshal result: %w", mErr)
			return
		}
		result = sql.NullString{String: string(raw), Valid: true}
	}
	if j.Error != nil {
		errKind = sql.NullString{String: string(j.Error.Kind), Valid: true}
		errDetail = sql.NullString{String: j.Error.Detail, Valid: true}
	}
	if !j.PrincipalID.IsNil() {
		principal = sql.NullString{String: j.PrincipalID.String(), Valid: true}
	}
	return
}

func jobArgs(j *job.Job) ([]any, error) {
	result, errKind, errDetail, principal, err := jobFields(j)
	if err != nil {
		return nil, err
	}

	return []any{
		j.ID.String(), j.DocumentID.String(), principal, j.DedupKey,
		j.Prompt, string(j.Stage), string(j.Status), j.Attempts,
		result, errKind, errDetail, j.CancelRequested,
		formatTime(j.RunAt), formatTimePtr(j.StartedAt),
		formatTimePtr(j.CompletedAt), formatTime(j.CreatedAt),
		formatTime(j.UpdatedAt),
	}, nil
}

// jobUpdateArgs is jobArgs without the id and the cancel flag: updates
// key on the id, and cancel_requested belongs to RequestCancel alone so
// a stale in-memory copy cannot clear a concurrent cancellation.
func jobUpdateArgs(j *job.Job) ([]any, error) {
	result, errKind, errDetail, principal, err := jobFields(j)
	if err != nil {
		return nil, err
	}

	return []any{
		j.DocumentID.String(), principal, j.DedupKey, j.Prompt,
		string(j.Stage), string(j.Status), j.Attempts,
		result, errKind, errDetail,
		formatTime(j.RunAt), formatTimePtr(j.StartedAt),
		formatTimePtr(j.CompletedAt), formatTime(j.CreatedAt),
		formatTime(j.UpdatedAt),
	}, nil
}

func fromJobRow(r *jobRow) (*job.Job, error) {
	jobID, err := id.ParseJobID(r.ID)
	if err != nil {
		return nil, fmt.Errorf("finsight/sqlite: parse job id %q: %w", r.ID, err)
	}
	docID, err := id.ParseDocumentID(r.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("finsight/sqlite: parse document id %q: %w", r.DocumentID, err)
	}

	var principal id.PrincipalID
	if r.PrincipalID.Valid {
		principal, err = id.ParsePrincipalID(r.PrincipalID.String)
		if err != nil {
			return nil, fmt.Errorf("finsight/sqlite: parse principal id %q: %w", r.PrincipalID.String, err)
		}
	}

	var result job.Result
	if r.Result.Valid && r.Result.String != "" {
		if err := json.Unmarshal([]byte(r.Result.String), &result); err != nil {
			return nil, fmt.Errorf("finsight/sqlite: unmarshal result: %w", err)
		}
	}

	var failure *job.Failure
	if r.ErrorKind.Valid {
		failure = &job.Failure{
			Kind:   job.FailureKind(r.ErrorKind.String),
			Detail: r.ErrorDetail.String,
		}
	}

	runAt, err := parseTime(r.RunAt)
	if err != nil {
		return nil, err
	}
	startedAt, err := parseTimePtr(r.StartedAt)
	if err != nil {
		return nil, err
	}
	completedAt, err := parseTimePtr(r.CompletedAt)
	if err != nil {
		return nil, err
	}
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, err
	}
	updatedAt, err := parseTime(r.UpdatedAt)
	if err != nil {
		return nil, err
	}

	return &job.Job{
		Entity: finsight.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:              jobID,
		DocumentID:      docID,
		PrincipalID:     principal,
		DedupKey:        r.DedupKey,
		Prompt:          r.Prompt,
		Stage:           job.Stage(r.Stage),
		Status:          job.Status(r.Status),
		Attempts:        r.Attempts,
		Result:          result,
		Error:           failure,
		CancelRequested: r.CancelRequested,
		RunAt:           runAt,
		StartedAt:       startedAt,
		CompletedAt:     completedAt,
	}, nil
}

// ── Archive row ───────────────────────────────────────────────────

const archiveColumns = `id, job_id, document_id, principal_id, prompt, stage,
	partial, error, kind, attempts, max_attempts, failed_at, replayed_at,
	created_at`

type archiveRow struct {
	ID          string
	JobID       string
	DocumentID  string
	PrincipalID sql.NullString
	Prompt      string
	Stage       string
	Partial     sql.NullString
	Error       string
	Kind        string
	Attempts    int
	MaxAttempts int
	FailedAt    string
	ReplayedAt  sql.NullString
	CreatedAt   string
}

func scanArchiveRow(sc scanner) (*archiveRow, error) {
	r := new(archiveRow)
	err := sc.Scan(
		&r.ID, &r.JobID, &r.DocumentID, &r.PrincipalID, &r.Prompt,
		&r.Stage, &r.Partial, &r.Error, &r.Kind, &r.Attempts,
		&r.MaxAttempts, &r.FailedAt, &r.ReplayedAt, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func archiveArgs(e *archive.Entry) ([]any, error) {
	var partial sql.NullString
	if len(e.Partial) > 0 {
		raw, err := json.Marshal(e.Partial)
		if err != nil {
			return nil, fmt.Errorf("finsight/sqlite: marshal partial result: %w", err)
		}
		partial = sql.NullString{String: string(raw), Valid: true}
	}

	var principal sql.NullString
	if !e.PrincipalID.IsNil() {
		principal = sql.NullString{String: e.PrincipalID.String(), Valid: true}
	}

	return []any{
		e.ID.String(), e.JobID.String(), e.DocumentID.String(), principal,
		e.Prompt, string(e.Stage), partial, e.Error, string(e.Kind),
		e.Attempts, e.MaxAttempts, formatTime(e.FailedAt),
		formatTimePtr(e.ReplayedAt), formatTime(e.CreatedAt),
	}, nil
}

func fromArchiveRow(r *archiveRow) (*archive.Entry, error) {
	entryID, err := id.ParseArchiveID(r.ID)
	if err != nil {
		return nil, fmt.Errorf("finsight/sqlite: parse archive id %q: %w", r.ID, err)
	}
	jobID, err := id.ParseJobID(r.JobID)
	if err != nil {
		return nil, fmt.Errorf("finsight/sqlite: parse job id %q: %w", r.JobID, err)
	}
	docID, err := id.ParseDocumentID(r.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("finsight/sqlite: parse document id %q: %w", r.DocumentID, err)
	}

	var principal id.PrincipalID
	if r.PrincipalID.Valid {
		principal, err = id.ParsePrincipalID(r.PrincipalID.String)
		if err != nil {
			return nil, fmt.Errorf("finsight/sqlite: parse principal id %q: %w", r.PrincipalID.String, err)
		}
	}

	var partial job.Result
	if r.Partial.Valid && r.Partial.String != "" {
		if err := json.Unmarshal([]byte(r.Partial.String), &partial); err != nil {
			return nil, fmt.Errorf("finsight/sqlite: unmarshal partial result: %w", err)
		}
	}

	failedAt, err := parseTime(r.FailedAt)
	if err != nil {
		return nil, err
	}
	replayedAt, err := parseTimePtr(r.ReplayedAt)
	if err != nil {
		return nil, err
	}
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, err
	}

	return &archive.Entry{
		ID:          entryID,
		JobID:       jobID,
		DocumentID:  docID,
		PrincipalID: principal,
		Prompt:      r.Prompt,
		Stage:       job.Stage(r.Stage),
		Partial:     partial,
		Error:       r.Error,
		Kind:        job.FailureKind(r.Kind),
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		FailedAt:    failedAt,
		ReplayedAt:  replayedAt,
		CreatedAt:   createdAt,
	}, nil
}
