package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/finsight/finsight/archive"
	"github.com/finsight/finsight/backoff"
	"github.com/finsight/finsight/event"
	"github.com/finsight/finsight/ext"
	"github.com/finsight/finsight/id"
	"github.com/finsight/finsight/job"
	"github.com/finsight/finsight/pipeline"
	"github.com/finsight/finsight/stage"
	"github.com/finsight/finsight/store/memory"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// okRegistry binds every pipeline stage to an executor returning a fixed
// payload keyed by stage name.
func okRegistry() *stage.Registry {
	r := stage.NewRegistry()
	for _, s := range job.Pipeline() {
		r.Bind(s, stage.Func(func(_ context.Context, _ stage.Input) (json.RawMessage, error) {
			return json.RawMessage(`{"stage":"` + string(s) + `"}`), nil
		}))
	}
	return r
}

type fixture struct {
	store    *memory.Store
	bus      *event.Bus
	exec     *pipeline.Executor
	archiver *archive.Service
}

func newFixture(t *testing.T, stages *stage.Registry, policy *backoff.Policy) *fixture {
	t.Helper()
	st := memory.New()
	bus := event.NewBus()
	t.Cleanup(bus.Close)
	archiver := archive.NewService(st, st, policy.MaxAttempts)
	exec := pipeline.NewExecutor(st, stages, bus, archiver, ext.NewRegistry(discard()), policy, discard())
	return &fixture{store: st, bus: bus, exec: exec, archiver: archiver}
}

// claim enqueues the job and dequeues it the way the pool would.
func (f *fixture) claim(t *testing.T, j *job.Job) *job.Job {
	t.Helper()
	ctx := context.Background()
	if err := f.store.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	claimed, err := f.store.DequeueJobs(ctx, 1)
	if err != nil {
		t.Fatalf("DequeueJobs: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d jobs, want 1", len(claimed))
	}
	return claimed[0]
}

func TestExecutor_RunsAllStagesInOrder(t *testing.T) {
	f := newFixture(t, okRegistry(), backoff.NewPolicy(3, backoff.NewConstant(0)))
	j := job.New(id.NewDocumentID(), id.NewPrincipalID(), "what are the risks?")

	claimed := f.claim(t, j)
	sub, err := f.bus.Subscribe(j.DocumentID, 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := f.exec.Execute(context.Background(), claimed); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, err := f.store.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != job.StatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	for _, section := range []string{"verification", "analysis", "risk", "recommendation"} {
		if _, ok := got.Result[section]; !ok {
			t.Errorf("result missing section %q", section)
		}
	}
	for _, meta := range []string{"query_used", "source", "generated_at"} {
		if _, ok := got.Result[meta]; !ok {
			t.Errorf("result missing metadata %q", meta)
		}
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	// 4 started + 4 completed + terminal = 9 events, in stage order.
	var types []event.Type
	deadline := time.After(2 * time.Second)
	for len(types) < 9 {
		select {
		case evt, ok := <-sub.C():
			if !ok {
				t.Fatalf("stream closed after %d events: %v", len(types), sub.Err())
			}
			types = append(types, evt.Type)
		case <-deadline:
			t.Fatalf("timed out after %d events", len(types))
		}
	}
	if types[0] != event.TypeStageStarted || types[1] != event.TypeStageCompleted {
		t.Errorf("unexpected leading events: %v", types[:2])
	}
	if types[8] != event.TypeCompleted {
		t.Errorf("last event = %q, want job.completed", types[8])
	}
}

func TestExecutor_TransientFailureParksForRetry(t *testing.T) {
	r := okRegistry()
	r.Bind(job.StageAnalyzing, stage.Func(func(_ context.Context, _ stage.Input) (json.RawMessage, error) {
		return nil, job.Transient("upstream overloaded")
	}))
	f := newFixture(t, r, backoff.NewPolicy(3, backoff.NewConstant(time.Minute)))
	j := job.New(id.NewDocumentID(), id.NewPrincipalID(), "prompt")

	claimed := f.claim(t, j)
	before := time.Now().UTC()
	if err := f.exec.Execute(context.Background(), claimed); err != nil {
		t.Fatalf("Execute returned %v, want nil for parked retry", err)
	}

	got, err := f.store.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != job.StatusQueued {
		t.Fatalf("status = %q, want queued", got.Status)
	}
	if got.Stage != job.StageAnalyzing {
		t.Errorf("stage = %q, want analyzing", got.Stage)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.RunAt.Before(before.Add(30 * time.Second)) {
		t.Errorf("RunAt = %v, want pushed out by backoff", got.RunAt)
	}
	// Verification section survives the park.
	if _, ok := got.Result["verification"]; !ok {
		t.Error("verification section lost on retry park")
	}
}

func TestExecutor_RetryBudgetExhaustedFailsAndArchives(t *testing.T) {
	r := okRegistry()
	r.Bind(job.StageVerifying, stage.Func(func(_ context.Context, _ stage.Input) (json.RawMessage, error) {
		return nil, job.Transient("parser unavailable")
	}))
	f := newFixture(t, r, backoff.NewPolicy(1, backoff.NewConstant(0)))
	j := job.New(id.NewDocumentID(), id.NewPrincipalID(), "prompt")

	claimed := f.claim(t, j)
	err := f.exec.Execute(context.Background(), claimed)
	if err == nil {
		t.Fatal("Execute should return the terminal failure")
	}

	got, gErr := f.store.GetJob(context.Background(), j.ID)
	if gErr != nil {
		t.Fatalf("GetJob: %v", gErr)
	}
	if got.Status != job.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.Error == nil || got.Error.Kind != job.FailureRetryExhausted {
		t.Errorf("error = %+v, want retry_budget_exhausted", got.Error)
	}

	entries, lErr := f.store.ListArchive(context.Background(), archive.ListOpts{})
	if lErr != nil {
		t.Fatalf("ListArchive: %v", lErr)
	}
	if len(entries) != 1 {
		t.Fatalf("archive entries = %d, want 1", len(entries))
	}
	if entries[0].JobID != j.ID {
		t.Errorf("archived job = %v, want %v", entries[0].JobID, j.ID)
	}
}

func TestExecutor_TerminalFailureSkipsRetry(t *testing.T) {
	r := okRegistry()
	r.Bind(job.StageVerifying, stage.Func(func(_ context.Context, _ stage.Input) (json.RawMessage, error) {
		return nil, job.Terminal("unsupported document type")
	}))
	f := newFixture(t, r, backoff.NewPolicy(3, backoff.NewConstant(time.Hour)))
	j := job.New(id.NewDocumentID(), id.NewPrincipalID(), "prompt")

	claimed := f.claim(t, j)
	if err := f.exec.Execute(context.Background(), claimed); err == nil {
		t.Fatal("Execute should return the terminal failure")
	}

	got, err := f.store.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != job.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.Error == nil || got.Error.Kind != job.FailureTerminal {
		t.Errorf("error = %+v, want terminal on first attempt", got.Error)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
}

func TestExecutor_CancellationBetweenStages(t *testing.T) {
	// The analyzing stage requests cancellation mid-pipeline; its own
	// result must then be discarded.
	var st *memory.Store
	r := okRegistry()
	r.Bind(job.StageAnalyzing, stage.Func(func(ctx context.Context, in stage.Input) (json.RawMessage, error) {
		if err := st.RequestCancel(ctx, in.JobID); err != nil {
			t.Errorf("RequestCancel: %v", err)
		}
		return json.RawMessage(`{"late":true}`), nil
	}))
	f := newFixture(t, r, backoff.NewPolicy(3, backoff.NewConstant(0)))
	st = f.store

	j := job.New(id.NewDocumentID(), id.NewPrincipalID(), "prompt")
	claimed := f.claim(t, j)
	if err := f.exec.Execute(context.Background(), claimed); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, err := f.store.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != job.StatusCancelled {
		t.Fatalf("status = %q, want cancelled", got.Status)
	}
	if _, ok := got.Result["analysis"]; ok {
		t.Error("late stage result was merged after cancellation")
	}
	if _, ok := got.Result["verification"]; !ok {
		t.Error("pre-cancellation section should be retained")
	}
	if got.Error == nil || got.Error.Kind != job.FailureCancelled {
		t.Errorf("error = %+v, want cancelled", got.Error)
	}
}

func TestExecutor_UnboundStageFailsTerminally(t *testing.T) {
	r := stage.NewRegistry() // nothing bound
	f := newFixture(t, r, backoff.NewPolicy(3, backoff.NewConstant(0)))
	j := job.New(id.NewDocumentID(), id.NewPrincipalID(), "prompt")

	claimed := f.claim(t, j)
	if err := f.exec.Execute(context.Background(), claimed); err == nil {
		t.Fatal("expected failure for unbound stage")
	}

	got, err := f.store.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != job.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.Error == nil || got.Error.Kind != job.FailureTerminal {
		t.Errorf("error = %+v, want terminal", got.Error)
	}
}

func TestExecutor_ResumesParkedStageWithPriorSections(t *testing.T) {
	calls := 0
	r := okRegistry()
	r.Bind(job.StageAnalyzing, stage.Func(func(_ context.Context, in stage.Input) (json.RawMessage, error) {
		calls++
		if calls == 1 {
			return nil, job.Transient("first attempt fails")
		}
		if _, ok := in.Prior["verification"]; !ok {
			return nil, errors.New("prior sections missing on resume")
		}
		if in.Attempt != 2 {
			return nil, errors.New("attempt not carried over")
		}
		return json.RawMessage(`{"ok":true}`), nil
	}))
	f := newFixture(t, r, backoff.NewPolicy(3, backoff.NewConstant(0)))
	j := job.New(id.NewDocumentID(), id.NewPrincipalID(), "prompt")

	claimed := f.claim(t, j)
	if err := f.exec.Execute(context.Background(), claimed); err != nil {
		t.Fatalf("first Execute: %v", err)
	}

	// Re-claim the parked job and finish the pipeline.
	reclaimed, err := f.store.DequeueJobs(context.Background(), 1)
	if err != nil || len(reclaimed) != 1 {
		t.Fatalf("re-dequeue: %v (%d jobs)", err, len(reclaimed))
	}
	if err := f.exec.Execute(context.Background(), reclaimed[0]); err != nil {
		t.Fatalf("second Execute: %v", err)
	}

	got, err := f.store.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != job.StatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
}
