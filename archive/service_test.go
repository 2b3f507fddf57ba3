package archive_test

import (
	"context"
	"errors"
	"testing"

	finsight "github.com/finsight/finsight"
	"github.com/finsight/finsight/archive"
	"github.com/finsight/finsight/id"
	"github.com/finsight/finsight/job"
	"github.com/finsight/finsight/store/memory"
)

func failedJob() *job.Job {
	j := job.New(id.NewDocumentID(), id.NewPrincipalID(), "assess credit risk")
	j.Stage = job.StageRiskAssessing
	j.Status = job.StatusFailed
	j.Attempts = 3
	j.Result = job.Result{
		"verification": []byte(`{"status":"verified"}`),
		"analysis":     []byte(`{"revenue":"up"}`),
	}
	return j
}

func TestService_Push_BuildsEntryFromJob(t *testing.T) {
	s := memory.New()
	svc := archive.NewService(s, s, 3)
	ctx := context.Background()

	j := failedJob()
	jobErr := job.Transient("model endpoint unavailable")

	if err := svc.Push(ctx, j, jobErr); err != nil {
		t.Fatalf("Push: %v", err)
	}

	entries, err := s.ListArchive(ctx, archive.ListOpts{Limit: 10})
	if err != nil {
		t.Fatalf("ListArchive: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 archive entry, got %d", len(entries))
	}

	entry := entries[0]
	if entry.JobID != j.ID {
		t.Errorf("JobID = %v, want %v", entry.JobID, j.ID)
	}
	if entry.DocumentID != j.DocumentID {
		t.Errorf("DocumentID = %v, want %v", entry.DocumentID, j.DocumentID)
	}
	if entry.Prompt != j.Prompt {
		t.Errorf("Prompt = %q, want %q", entry.Prompt, j.Prompt)
	}
	if entry.Stage != job.StageRiskAssessing {
		t.Errorf("Stage = %q, want risk_assessing", entry.Stage)
	}
	if entry.Error != "model endpoint unavailable" {
		t.Errorf("Error = %q", entry.Error)
	}
	if entry.Kind != job.FailureTransient {
		t.Errorf("Kind = %q, want transient", entry.Kind)
	}
	if entry.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", entry.Attempts)
	}
	if entry.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", entry.MaxAttempts)
	}
	if len(entry.Partial) != 2 {
		t.Errorf("Partial sections = %d, want 2", len(entry.Partial))
	}
	if entry.FailedAt.IsZero() {
		t.Error("expected FailedAt to be set")
	}
}

func TestService_Push_CountIncreases(t *testing.T) {
	s := memory.New()
	svc := archive.NewService(s, s, 3)
	ctx := context.Background()

	for i := range 3 {
		if err := svc.Push(ctx, failedJob(), errors.New("fail")); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
	}

	count, err := s.CountArchive(ctx)
	if err != nil {
		t.Fatalf("CountArchive: %v", err)
	}
	if count != 3 {
		t.Errorf("CountArchive = %d, want 3", count)
	}
}

func TestService_Replay_CreatesNewQueuedJob(t *testing.T) {
	s := memory.New()
	svc := archive.NewService(s, s, 3)
	ctx := context.Background()

	original := failedJob()
	if err := svc.Push(ctx, original, errors.New("original error")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	entries, err := s.ListArchive(ctx, archive.ListOpts{Limit: 1})
	if err != nil {
		t.Fatalf("ListArchive: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 archive entry, got %d", len(entries))
	}
	entryID := entries[0].ID

	replayed, err := svc.Replay(ctx, entryID)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	if replayed.ID == original.ID {
		t.Error("replayed job should have a new ID")
	}
	if replayed.Status != job.StatusQueued {
		t.Errorf("Status = %q, want queued", replayed.Status)
	}
	if replayed.Stage != job.StageQueued {
		t.Errorf("Stage = %q, want queued", replayed.Stage)
	}
	if replayed.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", replayed.Attempts)
	}
	if replayed.DocumentID != original.DocumentID {
		t.Errorf("DocumentID = %v, want %v", replayed.DocumentID, original.DocumentID)
	}
	if replayed.Prompt != original.Prompt {
		t.Errorf("Prompt = %q, want %q", replayed.Prompt, original.Prompt)
	}

	// The new job is persisted and the entry marked replayed.
	if _, err := s.GetJob(ctx, replayed.ID); err != nil {
		t.Fatalf("GetJob(replayed): %v", err)
	}
	entry, err := s.GetArchive(ctx, entryID)
	if err != nil {
		t.Fatalf("GetArchive: %v", err)
	}
	if entry.ReplayedAt == nil {
		t.Error("ReplayedAt not set after replay")
	}
}

func TestService_Replay_RejectsReplayedEntry(t *testing.T) {
	s := memory.New()
	svc := archive.NewService(s, s, 3)
	ctx := context.Background()

	if err := svc.Push(ctx, failedJob(), errors.New("boom")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	entries, err := s.ListArchive(ctx, archive.ListOpts{Limit: 1})
	if err != nil || len(entries) != 1 {
		t.Fatalf("ListArchive: %v (%d entries)", err, len(entries))
	}
	entryID := entries[0].ID

	if _, err := svc.Replay(ctx, entryID); err != nil {
		t.Fatalf("first Replay: %v", err)
	}
	if _, err := svc.Replay(ctx, entryID); !errors.Is(err, finsight.ErrAlreadyReplayed) {
		t.Fatalf("second Replay error = %v, want ErrAlreadyReplayed", err)
	}
}

func TestService_Replay_ReusesLiveJob(t *testing.T) {
	// A live job for the same document and prompt already holds the dedup
	// key; replay must resolve to it instead of minting a duplicate.
	s := memory.New()
	svc := archive.NewService(s, s, 3)
	ctx := context.Background()

	original := failedJob()
	if err := svc.Push(ctx, original, errors.New("boom")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	live := job.New(original.DocumentID, original.PrincipalID, original.Prompt)
	if err := s.EnqueueJob(ctx, live); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	entries, err := s.ListArchive(ctx, archive.ListOpts{Limit: 1})
	if err != nil || len(entries) != 1 {
		t.Fatalf("ListArchive: %v (%d entries)", err, len(entries))
	}
	replayed, err := svc.Replay(ctx, entries[0].ID)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if replayed.ID != live.ID {
		t.Errorf("Replay returned %v, want the live job %v", replayed.ID, live.ID)
	}

	jobs, err := s.JobsByDocument(ctx, original.DocumentID)
	if err != nil {
		t.Fatalf("JobsByDocument: %v", err)
	}
	nonTerminal := 0
	for _, jb := range jobs {
		if jb.DedupKey == live.DedupKey && !jb.Status.Terminal() {
			nonTerminal++
		}
	}
	if nonTerminal != 1 {
		t.Errorf("non-terminal jobs sharing the dedup key = %d, want 1", nonTerminal)
	}
}

func TestService_Replay_UnknownEntry(t *testing.T) {
	s := memory.New()
	svc := archive.NewService(s, s, 3)

	_, err := svc.Replay(context.Background(), id.NewArchiveID())
	if err == nil {
		t.Fatal("expected error for unknown archive entry")
	}
}
