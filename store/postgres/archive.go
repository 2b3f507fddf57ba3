package postgres

import (
	"context"
	"fmt"
	"time"

	finsight "github.com/finsight/finsight"
	"github.com/finsight/finsight/archive"
	"github.com/finsight/finsight/id"
)

// PushArchive adds a failed job entry to the archive.
func (s *Store) PushArchive(ctx context.Context, entry *archive.Entry) error {
	args, err := archiveArgs(entry)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO finsight_archive (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		archiveColumns)
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("finsight/postgres: push archive entry: %w", err)
	}
	return nil
}

// ListArchive returns archive entries, newest failure first.
func (s *Store) ListArchive(ctx context.Context, opts archive.ListOpts) ([]*archive.Entry, error) {
	query := fmt.Sprintf(`SELECT %s FROM finsight_archive`, archiveColumns)
	var args []any

	if !opts.DocumentID.IsNil() {
		args = append(args, opts.DocumentID.String())
		query += fmt.Sprintf(` WHERE document_id = $%d`, len(args))
	}
	query += ` ORDER BY failed_at DESC`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("finsight/postgres: list archive: %w", err)
	}
	defer rows.Close()

	var entries []*archive.Entry
	for rows.Next() {
		e, err := scanArchive(rows)
		if err != nil {
			return nil, fmt.Errorf("finsight/postgres: scan archive entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("finsight/postgres: list archive: %w", err)
	}
	return entries, nil
}

// GetArchive retrieves an archive entry by ID.
func (s *Store) GetArchive(ctx context.Context, entryID id.ArchiveID) (*archive.Entry, error) {
	query := fmt.Sprintf(`SELECT %s FROM finsight_archive WHERE id = $1`, archiveColumns)
	e, err := scanArchive(s.pool.QueryRow(ctx, query, entryID.String()))
	if err != nil {
		if isNoRows(err) {
			return nil, finsight.ErrArchiveNotFound
		}
		return nil, fmt.Errorf("finsight/postgres: get archive entry: %w", err)
	}
	return e, nil
}

// ReplayArchive stamps an archive entry as replayed.
func (s *Store) ReplayArchive(ctx context.Context, entryID id.ArchiveID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE finsight_archive SET replayed_at = NOW() WHERE id = $1`,
		entryID.String())
	if err != nil {
		return fmt.Errorf("finsight/postgres: replay archive entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return finsight.ErrArchiveNotFound
	}
	return nil
}

// PurgeArchive removes entries that failed before the given time.
func (s *Store) PurgeArchive(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM finsight_archive WHERE failed_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("finsight/postgres: purge archive: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountArchive returns the total number of archive entries.
func (s *Store) CountArchive(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM finsight_archive`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("finsight/postgres: count archive: %w", err)
	}
	return n, nil
}
