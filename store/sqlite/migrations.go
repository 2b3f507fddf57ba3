package sqlite

import (
	"context"
	"fmt"
)

// migration is one versioned schema step. Statements run in order inside
// a single transaction.
type migration struct {
	version    string
	name       string
	statements []string
}

// migrations is the ordered schema history for the sqlite store.
var migrations = []migration{
	{
		version: "20250301000001",
		name:    "create_jobs_table",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS finsight_jobs (
				id               TEXT PRIMARY KEY,
				document_id      TEXT NOT NULL,
				principal_id     TEXT,
				dedup_key        TEXT NOT NULL,
				prompt           TEXT NOT NULL,
				stage            TEXT NOT NULL DEFAULT 'queued',
				status           TEXT NOT NULL DEFAULT 'queued',
				attempts         INTEGER NOT NULL DEFAULT 0,
				result           TEXT,
				error_kind       TEXT,
				error_detail     TEXT,
				cancel_requested INTEGER NOT NULL DEFAULT 0,
				run_at           TEXT NOT NULL,
				started_at       TEXT,
				completed_at     TEXT,
				created_at       TEXT NOT NULL,
				updated_at       TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_finsight_jobs_dequeue
				ON finsight_jobs (run_at ASC)
				WHERE status = 'queued'`,
			`CREATE INDEX IF NOT EXISTS idx_finsight_jobs_document
				ON finsight_jobs (document_id, created_at DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_finsight_jobs_status
				ON finsight_jobs (status)`,
			// One live job per dedup key, enforced by the database.
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_finsight_jobs_dedup_active
				ON finsight_jobs (dedup_key)
				WHERE status IN ('queued', 'running')`,
		},
	},
	{
		version: "20250301000002",
		name:    "create_archive_table",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS finsight_archive (
				id           TEXT PRIMARY KEY,
				job_id       TEXT NOT NULL,
				document_id  TEXT NOT NULL,
				principal_id TEXT,
				prompt       TEXT NOT NULL,
				stage        TEXT NOT NULL,
				partial      TEXT,
				error        TEXT NOT NULL,
				kind         TEXT NOT NULL,
				attempts     INTEGER NOT NULL DEFAULT 0,
				max_attempts INTEGER NOT NULL DEFAULT 0,
				failed_at    TEXT NOT NULL,
				replayed_at  TEXT,
				created_at   TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_finsight_archive_document
				ON finsight_archive (document_id)`,
			`CREATE INDEX IF NOT EXISTS idx_finsight_archive_failed_at
				ON finsight_archive (failed_at DESC)`,
		},
	},
}

// Migrate applies all pending schema migrations in order, tracking
// applied versions in finsight_migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS finsight_migrations (
			version    TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("finsight/sqlite: create migrations table: %w", err)
	}

	for _, m := range migrations {
		applied, err := s.migrationApplied(ctx, m.version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("finsight/sqlite: begin migration %s: %w", m.version, err)
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("finsight/sqlite: migration %s (%s): %w", m.version, m.name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO finsight_migrations (version, name, applied_at)
			VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))`,
			m.version, m.name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("finsight/sqlite: record migration %s: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("finsight/sqlite: commit migration %s: %w", m.version, err)
		}

		s.logger.Debug("applied migration",
			"version", m.version,
			"name", m.name,
		)
	}

	return nil
}

func (s *Store) migrationApplied(ctx context.Context, version string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM finsight_migrations WHERE version = ?`, version).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("finsight/sqlite: check migration %s: %w", version, err)
	}
	return n > 0, nil
}
