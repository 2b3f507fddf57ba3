package archive

import (
	"context"
	"errors"
	"fmt"

	finsight "github.com/finsight/finsight"
	"github.com/finsight/finsight/id"
	"github.com/finsight/finsight/job"
)

// Replay resubmits an archive entry's document and prompt through job
// admission and marks the entry as replayed. A fresh job gets a new ID,
// a zero attempt count, and starts from the first stage; if a live job
// already holds the pair's dedup key that job is returned instead of
// creating a duplicate. An entry that was already replayed is rejected
// with finsight.ErrAlreadyReplayed.
func (s *Service) Replay(ctx context.Context, entryID id.ArchiveID) (*job.Job, error) {
	entry, err := s.store.GetArchive(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.ReplayedAt != nil {
		return nil, fmt.Errorf("%w: %s", finsight.ErrAlreadyReplayed, entryID)
	}

	admit := s.admit
	if admit == nil {
		admit = s.defaultAdmit
	}
	j, _, err := admit(ctx, entry.DocumentID, entry.PrincipalID, entry.Prompt)
	if err != nil {
		return nil, err
	}

	if err := s.store.ReplayArchive(ctx, entryID); err != nil {
		// The job is already admitted. Surface the marking failure.
		return j, err
	}
	return j, nil
}

// defaultAdmit enqueues directly against the job store, reusing any job
// that still holds the dedup key so a replay never races a live job.
func (s *Service) defaultAdmit(ctx context.Context, docID id.DocumentID, principal id.PrincipalID, prompt string) (*job.Job, bool, error) {
	j := job.New(docID, principal, prompt)

	if existing, err := s.jobStore.ActiveJobByDedupKey(ctx, j.DedupKey); err == nil {
		return existing, false, nil
	}

	if err := s.jobStore.EnqueueJob(ctx, j); err != nil {
		if errors.Is(err, finsight.ErrJobAlreadyExists) {
			if existing, lookupErr := s.jobStore.ActiveJobByDedupKey(ctx, j.DedupKey); lookupErr == nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}
	return j, true, nil
}
