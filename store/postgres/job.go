package postgres

import (
	"context"
	"fmt"

	finsight "github.com/finsight/finsight"
	"github.com/finsight/finsight/id"
	"github.com/finsight/finsight/job"
)

// EnqueueJob persists a new job. A live job already holding the dedup key
// trips the partial unique index and surfaces as ErrJobAlreadyExists.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	args, err := jobArgs(j)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO finsight_jobs (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		jobColumns)
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		if isDuplicateKey(err) {
			return finsight.ErrJobAlreadyExists
		}
		return fmt.Errorf("finsight/postgres: enqueue job: %w", err)
	}
	return nil
}

// DequeueJobs claims up to limit runnable jobs. The candidate subquery
// picks at most one queued job per document, skips documents with a
// running job, and SKIP LOCKED keeps concurrent pollers from fighting
// over the same rows.
func (s *Store) DequeueJobs(ctx context.Context, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`WITH claimed AS (
		UPDATE finsight_jobs
		SET status = 'running',
		    started_at = COALESCE(started_at, NOW()),
		    updated_at = NOW()
		WHERE id IN (
			SELECT j.id FROM finsight_jobs j
			WHERE j.id IN (
				SELECT DISTINCT ON (c.document_id) c.id
				FROM finsight_jobs c
				WHERE c.status = 'queued'
				  AND c.run_at <= NOW()
				  AND NOT EXISTS (
					SELECT 1 FROM finsight_jobs r
					WHERE r.document_id = c.document_id
					  AND r.status = 'running'
				  )
				ORDER BY c.document_id, c.run_at ASC, c.id ASC
			)
			ORDER BY j.run_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		RETURNING %s
	)
	SELECT %s FROM claimed ORDER BY run_at ASC`, jobColumns, jobColumns)

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("finsight/postgres: dequeue jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("finsight/postgres: scan dequeued job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("finsight/postgres: dequeue jobs: %w", err)
	}
	return jobs, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM finsight_jobs WHERE id = $1`, jobColumns)
	j, err := scanJob(s.pool.QueryRow(ctx, query, jobID.String()))
	if err != nil {
		if isNoRows(err) {
			return nil, finsight.ErrJobNotFound
		}
		return nil, fmt.Errorf("finsight/postgres: get job: %w", err)
	}
	return j, nil
}

// UpdateJob persists changes to an existing job. cancel_requested is
// never written here; RequestCancel is its only writer.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	args, err := jobUpdateArgs(j)
	if err != nil {
		return err
	}
	args = append(args, j.ID.String())

	query := `UPDATE finsight_jobs SET
		document_id = $1, principal_id = $2, dedup_key = $3, prompt = $4,
		stage = $5, status = $6, attempts = $7, result = $8, error = $9,
		run_at = $10, started_at = $11, completed_at = $12,
		created_at = $13, updated_at = $14
	WHERE id = $15`

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("finsight/postgres: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return finsight.ErrJobNotFound
	}
	return nil
}

// RequestCancel flags a job for cooperative cancellation. Terminal jobs
// are left untouched.
func (s *Store) RequestCancel(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE finsight_jobs
		 SET cancel_requested = TRUE, updated_at = NOW()
		 WHERE id = $1 AND status IN ('queued', 'running')`,
		jobID.String())
	if err != nil {
		return fmt.Errorf("finsight/postgres: request cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing job from one already terminal.
		if _, err := s.GetJob(ctx, jobID); err != nil {
			return err
		}
	}
	return nil
}

// ActiveJobByDedupKey returns the non-terminal job holding the dedup key.
func (s *Store) ActiveJobByDedupKey(ctx context.Context, dedupKey string) (*job.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM finsight_jobs
		WHERE dedup_key = $1 AND status IN ('queued', 'running')`, jobColumns)
	j, err := scanJob(s.pool.QueryRow(ctx, query, dedupKey))
	if err != nil {
		if isNoRows(err) {
			return nil, finsight.ErrJobNotFound
		}
		return nil, fmt.Errorf("finsight/postgres: job by dedup key: %w", err)
	}
	return j, nil
}

// ListJobsByStatus returns jobs matching the given status, oldest first.
func (s *Store) ListJobsByStatus(ctx context.Context, status job.Status, opts job.ListOpts) ([]*job.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM finsight_jobs WHERE status = $1`, jobColumns)
	args := []any{string(status)}

	if !opts.DocumentID.IsNil() {
		args = append(args, opts.DocumentID.String())
		query += fmt.Sprintf(` AND document_id = $%d`, len(args))
	}
	query += ` ORDER BY created_at ASC`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	return s.queryJobs(ctx, query, args...)
}

// JobsByDocument returns all jobs for a document, newest first.
func (s *Store) JobsByDocument(ctx context.Context, docID id.DocumentID) ([]*job.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM finsight_jobs
		WHERE document_id = $1 ORDER BY created_at DESC`, jobColumns)
	return s.queryJobs(ctx, query, docID.String())
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("finsight/postgres: query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("finsight/postgres: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("finsight/postgres: query jobs: %w", err)
	}
	return jobs, nil
}
