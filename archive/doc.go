// Package archive provides the failure archive for jobs that have failed
// terminally. It supports inspection, replay, and purging.
//
// When a job exhausts its retry budget or hits a non-retryable error, the
// pipeline calls [Service.Push] to record it in the archive. The original
// prompt, partial result, error detail, and attempt counts are preserved
// for debugging.
//
// # Entry
//
// An [Entry] captures:
//   - JobID / DocumentID / PrincipalID: original job identity
//   - Prompt: the analysis prompt at time of failure
//   - Stage: the pipeline stage that failed
//   - Partial: result sections completed before the failure
//   - Error / Kind: the final failure detail and classification
//   - Attempts / MaxAttempts: exhausted retry budget
//   - FailedAt: when the terminal failure occurred
//   - ReplayedAt: set when the entry is replayed (nil if not yet replayed)
//
// # Service
//
// [Service] wraps the archive store with high-level operations:
//
//	svc := archive.NewService(store, jobStore, maxAttempts)
//
//	// Push is called automatically by the pipeline on terminal failure.
//	svc.Push(ctx, failedJob, err)
//
//	// Access the underlying store for list/get/purge/count.
//	svc.ArchiveStore().ListArchive(ctx, archive.ListOpts{Limit: 50})
//
// # Replay
//
// Replaying an entry re-enqueues a fresh job for the same document and
// prompt, starting from the first stage. Use the admin API
// (POST /v1/archive/:entryId/replay) or call [Service.Replay] directly.
//
// Admission goes through the same path as a regular submission: if a live
// job already holds the dedup key for the document and prompt, Replay
// returns that job instead of enqueueing a second one. An entry may be
// replayed at most once; a second attempt fails with
// [finsight.ErrAlreadyReplayed]. Replay sets ReplayedAt on the entry.
//
// # Admin API
//
// The archive is exposed via the HTTP admin API:
//   - GET  /v1/archive                  — list entries
//   - GET  /v1/archive/:entryId         — get a single entry
//   - POST /v1/archive/:entryId/replay  — replay one entry
//   - GET  /v1/archive/count            — entry count
package archive
