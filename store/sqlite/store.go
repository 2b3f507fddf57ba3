package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite" // register the "sqlite" database/sql driver

	"github.com/finsight/finsight/archive"
	"github.com/finsight/finsight/job"
)

// Ensure Store implements all subsystem interfaces at compile time.
var (
	_ job.Store     = (*Store)(nil)
	_ archive.Store = (*Store)(nil)
)

// Store is a database/sql implementation of store.Store using the
// modernc.org/sqlite driver. The caller owns the *sql.DB lifecycle;
// Store never closes it.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// ownsDB marks stores created via Open, which close the handle
	// themselves.
	ownsDB bool
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a new sqlite store. The caller owns the db lifecycle -- the
// Store will not close it on Close().
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens a SQLite database at the given path and returns a store
// backed by it. The returned store owns the connection and closes it on
// Close(). Use ":memory:" for an in-memory database.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("finsight/sqlite: open %q: %w", path, err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent dequeue.
	db.SetMaxOpenConns(1)

	s := New(db, opts...)
	s.ownsDB = true
	return s, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection only when the store opened it itself.
func (s *Store) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// ── helpers ──────────────────────────────────────────────────────

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isDuplicateKey checks if a SQLite error is a unique constraint violation.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
