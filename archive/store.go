package archive

import (
	"context"
	"time"

	"github.com/finsight/finsight/id"
)

// ListOpts controls pagination and filtering for archive list queries.
type ListOpts struct {
	// Limit is the maximum number of entries to return. Zero means no limit.
	Limit int
	// Offset is the number of entries to skip.
	Offset int
	// DocumentID filters by document. Nil means all documents.
	DocumentID id.DocumentID
}

// Store defines the persistence contract for the failure archive.
type Store interface {
	// PushArchive adds a failed job entry to the archive.
	PushArchive(ctx context.Context, entry *Entry) error

	// ListArchive returns archive entries matching the given options,
	// newest first.
	ListArchive(ctx context.Context, opts ListOpts) ([]*Entry, error)

	// GetArchive retrieves an archive entry by ID.
	GetArchive(ctx context.Context, entryID id.ArchiveID) (*Entry, error)

	// ReplayArchive marks an archive entry as replayed. The actual
	// re-enqueue is handled at the service layer.
	ReplayArchive(ctx context.Context, entryID id.ArchiveID) error

	// PurgeArchive removes archive entries with FailedAt before the given
	// time. Returns the number of entries removed.
	PurgeArchive(ctx context.Context, before time.Time) (int64, error)

	// CountArchive returns the total number of entries in the archive.
	CountArchive(ctx context.Context) (int64, error)
}
