package sqlite

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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO finsight_archive (`+archiveColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...)
	if err != nil {
		return fmt.Errorf("finsight/sqlite: push archive: %w", err)
	}
	return nil
}

// ListArchive returns archive entries matching the given options,
// newest first.
func (s *Store) ListArchive(ctx context.Context, opts archive.ListOpts) ([]*archive.Entry, error) {
	query := `SELECT ` + archiveColumns + ` FROM finsight_archive`
	var args []any

	if !opts.DocumentID.IsNil() {
		query += ` WHERE document_id = ?`
		args = append(args, opts.DocumentID.String())
	}
	query += ` ORDER BY failed_at DESC`
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

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("finsight/sqlite: list archive: %w", err)
	}
	defer rows.Close()

	var entries []*archive.Entry
	for rows.Next() {
		r, err := scanArchiveRow(rows)
		if err != nil {
			return nil, fmt.Errorf("finsight/sqlite: scan archive: %w", err)
		}
		e, err := fromArchiveRow(r)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("finsight/sqlite: archive rows: %w", err)
	}
	return entries, nil
}

// GetArchive retrieves an archive entry by ID.
func (s *Store) GetArchive(ctx context.Context, entryID id.ArchiveID) (*archive.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+archiveColumns+`
		FROM finsight_archive WHERE id = ?`,
		entryID.String())
	r, err := scanArchiveRow(row)
	if err != nil {
		if isNoRows(err) {
			return nil, finsight.ErrArchiveNotFound
		}
		return nil, fmt.Errorf("finsight/sqlite: get archive: %w", err)
	}
	return fromArchiveRow(r)
}

// ReplayArchive marks an archive entry as replayed.
func (s *Store) ReplayArchive(ctx context.Context, entryID id.ArchiveID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE finsight_archive SET replayed_at = ? WHERE id = ?`,
		formatTime(time.Now().UTC()), entryID.String())
	if err != nil {
		return fmt.Errorf("finsight/sqlite: replay archive: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return finsight.ErrArchiveNotFound
	}
	return nil
}

// PurgeArchive removes archive entries with FailedAt before the given
// time. Returns the number of entries removed.
func (s *Store) PurgeArchive(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM finsight_archive WHERE failed_at < ?`,
		formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("finsight/sqlite: purge archive: %w", err)
	}
	removed, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return removed, nil
}

// CountArchive returns the total number of entries in the archive.
func (s *Store) CountArchive(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM finsight_archive`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("finsight/sqlite: count archive: %w", err)
	}
	return count, nil
}
