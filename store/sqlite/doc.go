// Package sqlite provides a SQLite-backed store using database/sql with
// the modernc.org/sqlite driver. Suited for single-node deployments and
// integration testing; per-document claim serialization is enforced in
// the dequeue transaction.
package sqlite
