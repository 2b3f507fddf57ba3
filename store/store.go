// Package store defines the aggregate persistence interface. Each subsystem
// (job, archive) defines its own store interface. The composite Store
// composes them all. Backends: Postgres, SQLite, Redis, and Memory.
package store

import (
	"context"

	"github.com/finsight/finsight/archive"
	"github.com/finsight/finsight/job"
)

// Store is the aggregate persistence interface.
// Each subsystem store is a composable interface; a single backend
// (postgres, sqlite, redis, memory) implements all of them.
type Store interface {
	job.Store
	archive.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
