package job_test

import (
	"context"
	"errors"
	"testing"

	"github.com/finsight/finsight/id"
	"github.com/finsight/finsight/job"
)

func TestStage_Next(t *testing.T) {
	tests := []struct {
		stage job.Stage
		want  job.Stage
	}{
		{job.StageQueued, job.StageVerifying},
		{job.StageVerifying, job.StageAnalyzing},
		{job.StageAnalyzing, job.StageRiskAssessing},
		{job.StageRiskAssessing, job.StageRecommending},
		{job.StageRecommending, ""},
	}
	for _, tt := range tests {
		if got := tt.stage.Next(); got != tt.want {
			t.Errorf("%s.Next() = %q, want %q", tt.stage, got, tt.want)
		}
	}
}

func TestStage_OrderIsMonotonic(t *testing.T) {
	prev := job.StageQueued
	for _, s := range job.Pipeline() {
		if !prev.Before(s) {
			t.Errorf("expected %s before %s", prev, s)
		}
		prev = s
	}
}

func TestStage_Sections(t *testing.T) {
	tests := []struct {
		stage job.Stage
		want  string
	}{
		{job.StageVerifying, "verification"},
		{job.StageAnalyzing, "analysis"},
		{job.StageRiskAssessing, "risk"},
		{job.StageRecommending, "recommendation"},
		{job.StageQueued, ""},
	}
	for _, tt := range tests {
		if got := tt.stage.Section(); got != tt.want {
			t.Errorf("%s.Section() = %q, want %q", tt.stage, got, tt.want)
		}
	}
}

func TestStatus_Terminal(t *testing.T) {
	terminal := []job.Status{job.StatusCompleted, job.StatusFailed, job.StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []job.Status{job.StatusQueued, job.StatusRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestDedupKey_StableAcrossEquivalentPrompts(t *testing.T) {
	docID := id.NewDocumentID()

	base := job.DedupKey(docID, "Summarize liquidity risk")
	trimmed := job.DedupKey(docID, "  Summarize liquidity risk  ")
	if base != trimmed {
		t.Error("whitespace-equivalent prompts should share a dedup key")
	}

	other := job.DedupKey(docID, "A different prompt")
	if base == other {
		t.Error("distinct prompts should not share a dedup key")
	}

	otherDoc := job.DedupKey(id.NewDocumentID(), "Summarize liquidity risk")
	if base == otherDoc {
		t.Error("distinct documents should not share a dedup key")
	}
}

func TestDedupKey_EmptyPromptUsesDefault(t *testing.T) {
	docID := id.NewDocumentID()
	if job.DedupKey(docID, "") != job.DedupKey(docID, job.DefaultPrompt) {
		t.Error("empty prompt should derive the same key as the default prompt")
	}
}

func TestNormalizePrompt_Truncates(t *testing.T) {
	long := make([]byte, job.MaxPromptLen*2)
	for i := range long {
		long[i] = 'a'
	}
	got := job.NormalizePrompt(string(long))
	if len(got) != job.MaxPromptLen {
		t.Errorf("normalized length = %d, want %d", len(got), job.MaxPromptLen)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want job.FailureKind
	}{
		{"typed transient", job.Transient("upstream 503"), job.FailureTransient},
		{"typed terminal", job.Terminal("content rejected"), job.FailureTerminal},
		{"deadline", context.DeadlineExceeded, job.FailureTransient},
		{"plain error", errors.New("boom"), job.FailureTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := job.Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAsFailure_PreservesTypedFailure(t *testing.T) {
	orig := job.Terminal("malformed document")
	got := job.AsFailure(orig)
	if got.Kind != job.FailureTerminal || got.Detail != "malformed document" {
		t.Errorf("AsFailure lost typed failure: %+v", got)
	}

	wrapped := job.AsFailure(errors.New("dial tcp: connection refused"))
	if wrapped.Kind != job.FailureTransient {
		t.Errorf("plain error should classify transient, got %q", wrapped.Kind)
	}
}

func TestNew_SetsAdmissionDefaults(t *testing.T) {
	docID := id.NewDocumentID()
	j := job.New(docID, id.Nil, "  analyze margins  ")

	if j.Stage != job.StageQueued {
		t.Errorf("Stage = %q, want %q", j.Stage, job.StageQueued)
	}
	if j.Status != job.StatusQueued {
		t.Errorf("Status = %q, want %q", j.Status, job.StatusQueued)
	}
	if j.Prompt != "analyze margins" {
		t.Errorf("Prompt = %q, want normalized", j.Prompt)
	}
	if j.DedupKey != job.DedupKey(docID, "analyze margins") {
		t.Error("DedupKey should derive from document and normalized prompt")
	}
	if j.ID.IsNil() {
		t.Error("expected generated job ID")
	}
	if j.RunAt.IsZero() {
		t.Error("expected RunAt set")
	}
}
