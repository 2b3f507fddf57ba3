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
	"github.com/finsight/finsight/archive"
	"github.com/finsight/finsight/id"
	"github.com/finsight/finsight/job"
)

// PushArchive adds a failed job entry to the archive.
func (s *Store) PushArchive(ctx context.Context, entry *archive.Entry) error {
	eID := entry.ID.String()

	fields, err := archiveToMap(entry)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, archiveKey(eID), fields)
	pipe.SAdd(ctx, archiveIDsKey, eID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("finsight/redis: push archive entry: %w", err)
	}
	return nil
}

// ListArchive returns archive entries, newest failure first.
func (s *Store) ListArchive(ctx context.Context, opts archive.ListOpts) ([]*archive.Entry, error) {
	ids, err := s.client.SMembers(ctx, archiveIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("finsight/redis: list archive: %w", err)
	}

	entries := make([]*archive.Entry, 0, len(ids))
	for _, eID := range ids {
		vals, getErr := s.client.HGetAll(ctx, archiveKey(eID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		e, convErr := mapToArchive(vals)
		if convErr != nil {
			continue
		}
		if !opts.DocumentID.IsNil() && e.DocumentID != opts.DocumentID {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(a, b int) bool { return entries[a].FailedAt.After(entries[b].FailedAt) })

	if opts.Offset > 0 && opts.Offset < len(entries) {
		entries = entries[opts.Offset:]
	} else if opts.Offset >= len(entries) && opts.Offset > 0 {
		return nil, nil
	}
	if opts.Limit > 0 && opts.Limit < len(entries) {
		entries = entries[:opts.Limit]
	}
	return entries, nil
}

// GetArchive retrieves an archive entry by ID.
func (s *Store) GetArchive(ctx context.Context, entryID id.ArchiveID) (*archive.Entry, error) {
	vals, err := s.client.HGetAll(ctx, archiveKey(entryID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("finsight/redis: get archive entry: %w", err)
	}
	if len(vals) == 0 {
		return nil, finsight.ErrArchiveNotFound
	}
	return mapToArchive(vals)
}

// ReplayArchive stamps an archive entry as replayed.
func (s *Store) ReplayArchive(ctx context.Context, entryID id.ArchiveID) error {
	key := archiveKey(entryID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("finsight/redis: replay archive exists: %w", err)
	}
	if exists == 0 {
		return finsight.ErrArchiveNotFound
	}

	err = s.client.HSet(ctx, key,
		"replayed_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("finsight/redis: replay archive entry: %w", err)
	}
	return nil
}

// PurgeArchive removes entries that failed before the given time.
func (s *Store) PurgeArchive(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.client.SMembers(ctx, archiveIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("finsight/redis: purge archive smembers: %w", err)
	}

	var purged int64
	for _, eID := range ids {
		key := archiveKey(eID)
		failedAtStr, getErr := s.client.HGet(ctx, key, "failed_at").Result()
		if getErr != nil {
			if errors.Is(getErr, goredis.Nil) {
				continue
			}
			return purged, fmt.Errorf("finsight/redis: purge archive get: %w", getErr)
		}

		failedAt, _ := time.Parse(time.RFC3339Nano, failedAtStr) //nolint:errcheck // best-effort parse from trusted Redis data
		if failedAt.Before(before) {
			pipe := s.client.TxPipeline()
			pipe.Del(ctx, key)
			pipe.SRem(ctx, archiveIDsKey, eID)
			if _, pErr := pipe.Exec(ctx); pErr != nil {
				return purged, fmt.Errorf("finsight/redis: purge archive del: %w", pErr)
			}
			purged++
		}
	}
	return purged, nil
}

// CountArchive returns the total number of archive entries.
func (s *Store) CountArchive(ctx context.Context) (int64, error) {
	count, err := s.client.SCard(ctx, archiveIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("finsight/redis: count archive: %w", err)
	}
	return count, nil
}

// ── helpers ──

func archiveToMap(e *archive.Entry) (map[string]interface{}, error) {
	m := map[string]interface{}{
		"id":           e.ID.String(),
		"job_id":       e.JobID.String(),
		"document_id":  e.DocumentID.String(),
		"prompt":       e.Prompt,
		"stage":        string(e.Stage),
		"error":        e.Error,
		"kind":         string(e.Kind),
		"attempts":     strconv.Itoa(e.Attempts),
		"max_attempts": strconv.Itoa(e.MaxAttempts),
		"failed_at":    e.FailedAt.Format(time.RFC3339Nano),
		"created_at":   e.CreatedAt.Format(time.RFC3339Nano),
	}
	if !e.PrincipalID.IsNil() {
		m["principal_id"] = e.PrincipalID.String()
	}
	if len(e.Partial) > 0 {
		raw, err := json.Marshal(e.Partial)
		if err != nil {
			return nil, fmt.Errorf("finsight/redis: marshal partial result: %w", err)
		}
		m["partial"] = string(raw)
	}
	if e.ReplayedAt != nil {
		m["replayed_at"] = e.ReplayedAt.Format(time.RFC3339Nano)
	}
	return m, nil
}

func mapToArchive(m map[string]string) (*archive.Entry, error) {
	eID, err := id.ParseArchiveID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("finsight/redis: parse archive id: %w", err)
	}
	jobID, _ := id.ParseJobID(m["job_id"])                        //nolint:errcheck // best-effort parse from trusted Redis data
	docID, _ := id.ParseDocumentID(m["document_id"])              //nolint:errcheck // best-effort parse from trusted Redis data
	attempts, _ := strconv.Atoi(m["attempts"])                    //nolint:errcheck // best-effort parse from trusted Redis data
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])             //nolint:errcheck // best-effort parse from trusted Redis data
	failedAt, _ := time.Parse(time.RFC3339Nano, m["failed_at"])   //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	e := &archive.Entry{
		ID:          eID,
		JobID:       jobID,
		DocumentID:  docID,
		Prompt:      m["prompt"],
		Stage:       job.Stage(m["stage"]),
		Error:       m["error"],
		Kind:        job.FailureKind(m["kind"]),
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		FailedAt:    failedAt,
		CreatedAt:   createdAt,
	}

	if v := m["principal_id"]; v != "" {
		e.PrincipalID, _ = id.ParsePrincipalID(v) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["partial"]; v != "" {
		if err := json.Unmarshal([]byte(v), &e.Partial); err != nil {
			return nil, fmt.Errorf("finsight/redis: unmarshal partial result: %w", err)
		}
	}
	if v := m["replayed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		e.ReplayedAt = &t
	}
	return e, nil
}
