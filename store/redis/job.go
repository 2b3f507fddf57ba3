package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	finsight "github.com/finsight/finsight"
	"github.com/finsight/finsight/id"
	"github.com/finsight/finsight/job"
)

// EnqueueJob stores the job as a Hash, claims its dedup key, and adds it
// to the runnable queue scored by run_at.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()

	// Claim the dedup key first; a live holder means a duplicate.
	claimed, err := s.client.HSetNX(ctx, dedupKeysKey, j.DedupKey, jID).Result()
	if err != nil {
		return fmt.Errorf("finsight/redis: enqueue claim dedup key: %w", err)
	}
	if !claimed {
		// The mapping may be stale if the holder finished without cleanup.
		holder, hErr := s.client.HGet(ctx, dedupKeysKey, j.DedupKey).Result()
		if hErr == nil && holder != jID {
			if active, aErr := s.getJobByKey(ctx, jobKey(holder)); aErr == nil && !active.Status.Terminal() {
				return finsight.ErrJobAlreadyExists
			}
		}
		if hErr := s.client.HSet(ctx, dedupKeysKey, j.DedupKey, jID).Err(); hErr != nil {
			return fmt.Errorf("finsight/redis: enqueue reclaim dedup key: %w", hErr)
		}
	}

	fields, err := jobToMap(j)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(jID), fields)
	pipe.SAdd(ctx, jobIDsKey, jID)
	pipe.ZAdd(ctx, queueKey, goredis.Z{Score: runAtScore(j.RunAt), Member: jID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("finsight/redis: enqueue job: %w", err)
	}
	return nil
}

// DequeueJobs claims up to limit runnable jobs. A job is claimed only if
// its document is not already in the running set; SAdd returning zero
// means another job for the document is in flight and the candidate is
// skipped until the document frees up.
func (s *Store) DequeueJobs(ctx context.Context, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()

	candidates, err := s.client.ZRangeByScore(ctx, queueKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(runAtScore(now), 'f', -1, 64),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("finsight/redis: dequeue range: %w", err)
	}

	var jobs []*job.Job
	for _, jID := range candidates {
		if len(jobs) >= limit {
			break
		}

		docID, gErr := s.client.HGet(ctx, jobKey(jID), "document_id").Result()
		if gErr != nil {
			if errors.Is(gErr, goredis.Nil) {
				// Orphaned queue member; drop it.
				s.client.ZRem(ctx, queueKey, jID)
				continue
			}
			return nil, fmt.Errorf("finsight/redis: dequeue get document: %w", gErr)
		}

		busy, cErr := s.client.SAdd(ctx, runningDocsKey, docID).Result()
		if cErr != nil {
			return nil, fmt.Errorf("finsight/redis: dequeue claim document: %w", cErr)
		}
		if busy == 0 {
			continue // document already has a running job
		}

		removed, rErr := s.client.ZRem(ctx, queueKey, jID).Result()
		if rErr != nil || removed == 0 {
			// Another poller got there first; release the document claim.
			s.client.SRem(ctx, runningDocsKey, docID)
			if rErr != nil {
				return nil, fmt.Errorf("finsight/redis: dequeue claim job: %w", rErr)
			}
			continue
		}

		// HSetNX keeps the first claim's started_at across retry re-claims.
		nowStr := now.Format(time.RFC3339Nano)
		claim := s.client.TxPipeline()
		claim.HSet(ctx, jobKey(jID),
			"status", string(job.StatusRunning),
			"updated_at", nowStr,
		)
		claim.HSetNX(ctx, jobKey(jID), "started_at", nowStr)
		if _, hErr := claim.Exec(ctx); hErr != nil {
			return nil, fmt.Errorf("finsight/redis: dequeue update: %w", hErr)
		}

		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			return nil, getErr
		}
		jobs = append(jobs, j)
	}

	sort.Slice(jobs, func(a, b int) bool { return jobs[a].RunAt.Before(jobs[b].RunAt) })
	return jobs, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// UpdateJob persists changes to an existing job and reconciles queue,
// running-document, and dedup-key bookkeeping from the job's status.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("finsight/redis: update job exists: %w", err)
	}
	if exists == 0 {
		return finsight.ErrJobNotFound
	}

	fields, err := jobToMap(j)
	if err != nil {
		return err
	}
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	// The cancel flag is written only by RequestCancel, so an update
	// carrying a stale copy cannot clear a concurrent cancellation.
	delete(fields, "cancel_requested")

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	switch {
	case j.Status == job.StatusQueued:
		// Parked for retry: back on the queue, document freed.
		pipe.ZAdd(ctx, queueKey, goredis.Z{Score: runAtScore(j.RunAt), Member: jID})
		pipe.SRem(ctx, runningDocsKey, j.DocumentID.String())
	case j.Status.Terminal():
		pipe.ZRem(ctx, queueKey, jID)
		pipe.SRem(ctx, runningDocsKey, j.DocumentID.String())
		pipe.HDel(ctx, dedupKeysKey, j.DedupKey)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("finsight/redis: update job: %w", err)
	}
	return nil
}

// RequestCancel flags a job for cooperative cancellation. Terminal jobs
// are left untouched.
func (s *Store) RequestCancel(ctx context.Context, jobID id.JobID) error {
	j, err := s.getJobByKey(ctx, jobKey(jobID.String()))
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return nil
	}
	err = s.client.HSet(ctx, jobKey(jobID.String()),
		"cancel_requested", "1",
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("finsight/redis: request cancel: %w", err)
	}
	return nil
}

// ActiveJobByDedupKey returns the non-terminal job holding the dedup key.
func (s *Store) ActiveJobByDedupKey(ctx context.Context, dedupKey string) (*job.Job, error) {
	jID, err := s.client.HGet(ctx, dedupKeysKey, dedupKey).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, finsight.ErrJobNotFound
		}
		return nil, fmt.Errorf("finsight/redis: dedup key lookup: %w", err)
	}
	j, err := s.getJobByKey(ctx, jobKey(jID))
	if err != nil {
		return nil, err
	}
	if j.Status.Terminal() {
		return nil, finsight.ErrJobNotFound
	}
	return j, nil
}

// ListJobsByStatus returns jobs matching the given status, oldest first.
func (s *Store) ListJobsByStatus(ctx context.Context, status job.Status, opts job.ListOpts) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("finsight/redis: list jobs smembers: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // skip missing
		}
		if j.Status != status {
			continue
		}
		if !opts.DocumentID.IsNil() && j.DocumentID != opts.DocumentID {
			continue
		}
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.Before(jobs[b].CreatedAt) })

	if opts.Offset > 0 && opts.Offset < len(jobs) {
		jobs = jobs[opts.Offset:]
	} else if opts.Offset >= len(jobs) && opts.Offset > 0 {
		return nil, nil
	}
	if opts.Limit > 0 && opts.Limit < len(jobs) {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// JobsByDocument returns all jobs for a document, newest first.
func (s *Store) JobsByDocument(ctx context.Context, docID id.DocumentID) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("finsight/redis: jobs by document smembers: %w", err)
	}

	var jobs []*job.Job
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if j.DocumentID != docID {
			continue
		}
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.After(jobs[b].CreatedAt) })
	return jobs, nil
}

// ── helpers ──

// runAtScore converts a run_at time to a sorted-set score. Lower score is
// dequeued first.
func runAtScore(t time.Time) float64 {
	return float64(t.UTC().UnixMilli())
}

func jobToMap(j *job.Job) (map[string]interface{}, error) {
	m := map[string]interface{}{
		"id":               j.ID.String(),
		"document_id":      j.DocumentID.String(),
		"dedup_key":        j.DedupKey,
		"prompt":           j.Prompt,
		"stage":            string(j.Stage),
		"status":           string(j.Status),
		"attempts":         strconv.Itoa(j.Attempts),
		"cancel_requested": boolField(j.CancelRequested),
		"run_at":           j.RunAt.Format(time.RFC3339Nano),
		"created_at":       j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":       j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if !j.PrincipalID.IsNil() {
		m["principal_id"] = j.PrincipalID.String()
	}
	if len(j.Result) > 0 {
		raw, err := json.Marshal(j.Result)
		if err != nil {
			return nil, fmt.Errorf("finsight/redis: marshal result: %w", err)
		}
		m["result"] = string(raw)
	}
	if j.Error != nil {
		raw, err := json.Marshal(j.Error)
		if err != nil {
			return nil, fmt.Errorf("finsight/redis: marshal error: %w", err)
		}
		m["error"] = string(raw)
	}
	if j.StartedAt != nil {
		m["started_at"] = j.StartedAt.Format(time.RFC3339Nano)
	}
	if j.CompletedAt != nil {
		m["completed_at"] = j.CompletedAt.Format(time.RFC3339Nano)
	}
	return m, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("finsight/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, finsight.ErrJobNotFound
	}
	return mapToJob(vals)
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("finsight/redis: parse job id: %w", err)
	}
	docID, err := id.ParseDocumentID(m["document_id"])
	if err != nil {
		return nil, fmt.Errorf("finsight/redis: parse document id: %w", err)
	}

	attempts, _ := strconv.Atoi(m["attempts"]) //nolint:errcheck // best-effort parse from trusted Redis data

	runAt, _ := time.Parse(time.RFC3339Nano, m["run_at"])         //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		Entity: finsight.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:              jID,
		DocumentID:      docID,
		DedupKey:        m["dedup_key"],
		Prompt:          m["prompt"],
		Stage:           job.Stage(m["stage"]),
		Status:          job.Status(m["status"]),
		Attempts:        attempts,
		CancelRequested: m["cancel_requested"] == "1",
		RunAt:           runAt,
	}

	if v := m["principal_id"]; v != "" {
		j.PrincipalID, _ = id.ParsePrincipalID(v) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["result"]; v != "" {
		if err := json.Unmarshal([]byte(v), &j.Result); err != nil {
			return nil, fmt.Errorf("finsight/redis: unmarshal result: %w", err)
		}
	}
	if v := m["error"]; v != "" {
		j.Error = new(job.Failure)
		if err := json.Unmarshal([]byte(v), j.Error); err != nil {
			return nil, fmt.Errorf("finsight/redis: unmarshal error: %w", err)
		}
	}
	if v := m["started_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.StartedAt = &t
	}
	if v := m["completed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.CompletedAt = &t
	}
	return j, nil
}
