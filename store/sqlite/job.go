package sqlite

import (
	"context"
	"fmt"
	"time"

	finsight "github.com/finsight/finsight"
	"github.com/finsight/finsight/id"
	"github.com/finsight/finsight/job"
)

// EnqueueJob persists a new job in queued state.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	args, err := jobArgs(j)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO finsight_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...)
	if err != nil {
		if isDuplicateKey(err) {
			return finsight.ErrJobAlreadyExists
		}
		return fmt.Errorf("finsight/sqlite: enqueue job: %w", err)
	}
	return nil
}

// DequeueJobs atomically claims up to limit runnable jobs. SQLite doesn't
// support FOR UPDATE SKIP LOCKED, so candidates are selected and flipped
// to running inside one transaction; the single-writer connection keeps
// that atomic. At most one job per document is claimed, and only for
// documents with no running job.
func (s *Store) DequeueJobs(ctx context.Context, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	nowStr := formatTime(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("finsight/sqlite: begin dequeue: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	rows, err := tx.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM finsight_jobs j
		WHERE j.status = 'queued'
		  AND j.run_at <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM finsight_jobs r
			WHERE r.document_id = j.document_id AND r.status = 'running'
		  )
		  AND j.id = (
			SELECT j2.id FROM finsight_jobs j2
			WHERE j2.document_id = j.document_id
			  AND j2.status = 'queued'
			  AND j2.run_at <= ?
			ORDER BY j2.run_at ASC, j2.id ASC
			LIMIT 1
		  )
		ORDER BY j.run_at ASC
		LIMIT ?`,
		nowStr, nowStr, limit)
	if err != nil {
		return nil, fmt.Errorf("finsight/sqlite: dequeue select: %w", err)
	}

	var claimed []*job.Job
	for rows.Next() {
		r, scanErr := scanJobRow(rows)
		if scanErr != nil {
			rows.Close()
			return nil, fmt.Errorf("finsight/sqlite: dequeue scan: %w", scanErr)
		}
		j, convErr := fromJobRow(r)
		if convErr != nil {
			rows.Close()
			return nil, convErr
		}
		claimed = append(claimed, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("finsight/sqlite: dequeue rows: %w", err)
	}
	rows.Close()

	for _, j := range claimed {
		j.Status = job.StatusRunning
		if j.StartedAt == nil {
			n := now
			j.StartedAt = &n
		}
		j.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, `
			UPDATE finsight_jobs
			SET status = 'running',
			    started_at = COALESCE(started_at, ?),
			    updated_at = ?
			WHERE id = ?`,
			nowStr, nowStr, j.ID.String()); err != nil {
			return nil, fmt.Errorf("finsight/sqlite: dequeue claim: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("finsight/sqlite: commit dequeue: %w", err)
	}
	return claimed, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM finsight_jobs WHERE id = ?`,
		jobID.String())
	r, err := scanJobRow(row)
	if err != nil {
		if isNoRows(err) {
			return nil, finsight.ErrJobNotFound
		}
		return nil, fmt.Errorf("finsight/sqlite: get job: %w", err)
	}
	return fromJobRow(r)
}

// UpdateJob persists changes to an existing job. cancel_requested is
// never written here; RequestCancel is its only writer.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	j.UpdatedAt = time.Now().UTC()
	args, err := jobUpdateArgs(j)
	if err != nil {
		return err
	}
	args = append(args, j.ID.String())

	res, err := s.db.ExecContext(ctx, `
		UPDATE finsight_jobs
		SET document_id = ?, principal_id = ?, dedup_key = ?, prompt = ?,
		    stage = ?, status = ?, attempts = ?, result = ?, error_kind = ?,
		    error_detail = ?, run_at = ?, started_at = ?, completed_at = ?,
		    created_at = ?, updated_at = ?
		WHERE id = ?`,
		args...)
	if err != nil {
		return fmt.Errorf("finsight/sqlite: update job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return finsight.ErrJobNotFound
	}
	return nil
}

// RequestCancel sets the cooperative cancellation flag on a job.
// Terminal jobs are left untouched; the call is idempotent.
func (s *Store) RequestCancel(ctx context.Context, jobID id.JobID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE finsight_jobs
		SET cancel_requested = 1, updated_at = ?
		WHERE id = ? AND status IN ('queued', 'running')`,
		formatTime(time.Now().UTC()), jobID.String())
	if err != nil {
		return fmt.Errorf("finsight/sqlite: request cancel: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		// Distinguish missing from terminal.
		var status string
		err := s.db.QueryRowContext(ctx,
			`SELECT status FROM finsight_jobs WHERE id = ?`, jobID.String()).Scan(&status)
		if isNoRows(err) {
			return finsight.ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("finsight/sqlite: request cancel lookup: %w", err)
		}
	}
	return nil
}

// ActiveJobByDedupKey returns the non-terminal job holding the given
// dedup key, or finsight.ErrJobNotFound if none exists.
func (s *Store) ActiveJobByDedupKey(ctx context.Context, dedupKey string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM finsight_jobs
		WHERE dedup_key = ? AND status IN ('queued', 'running')
		LIMIT 1`,
		dedupKey)
	r, err := scanJobRow(row)
	if err != nil {
		if isNoRows(err) {
			return nil, finsight.ErrJobNotFound
		}
		return nil, fmt.Errorf("finsight/sqlite: active job by dedup key: %w", err)
	}
	return fromJobRow(r)
}

// ListJobsByStatus returns jobs matching the given status.
func (s *Store) ListJobsByStatus(ctx context.Context, status job.Status, opts job.ListOpts) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM finsight_jobs WHERE status = ?`
	args := []any{string(status)}

	if !opts.DocumentID.IsNil() {
		query += ` AND document_id = ?`
		args = append(args, opts.DocumentID.String())
	}
	query += ` ORDER BY created_at ASC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		if opts.Limit <= 0 {
			query += ` LIMIT -1`
		}
		query += ` OFFSET ?`
		args = append(args, opts.Offset)
	}

	return s.queryJobs(ctx, query, args...)
}

// JobsByDocument returns all jobs for a document, newest first.
func (s *Store) JobsByDocument(ctx context.Context, docID id.DocumentID) ([]*job.Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+`
		FROM finsight_jobs
		WHERE document_id = ?
		ORDER BY created_at DESC`,
		docID.String())
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("finsight/sqlite: query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		r, err := scanJobRow(rows)
		if err != nil {
			return nil, fmt.Errorf("finsight/sqlite: scan job: %w", err)
		}
		j, err := fromJobRow(r)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("finsight/sqlite: job rows: %w", err)
	}
	return jobs, nil
}
