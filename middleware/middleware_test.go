package middleware_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/finsight/finsight/id"
	"github.com/finsight/finsight/job"
	"github.com/finsight/finsight/middleware"
	"github.com/finsight/finsight/stage"
)

func testInput() stage.Input {
	return stage.Input{
		JobID:      id.NewJobID(),
		DocumentID: id.NewDocumentID(),
		Stage:      job.StageVerifying,
		Attempt:    1,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestChain_ExecutionOrder(t *testing.T) {
	var order []string

	mw1 := func(ctx context.Context, _ stage.Input, next middleware.Handler) (json.RawMessage, error) {
		order = append(order, "mw1-before")
		out, err := next(ctx)
		order = append(order, "mw1-after")
		return out, err
	}

	mw2 := func(ctx context.Context, _ stage.Input, next middleware.Handler) (json.RawMessage, error) {
		order = append(order, "mw2-before")
		out, err := next(ctx)
		order = append(order, "mw2-after")
		return out, err
	}

	chain := middleware.Chain(mw1, mw2)
	handler := func(_ context.Context) (json.RawMessage, error) {
		order = append(order, "handler")
		return json.RawMessage(`{}`), nil
	}

	out, err := chain(context.Background(), testInput(), handler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != `{}` {
		t.Fatalf("output = %q, want {}", out)
	}

	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(order), order)
	}
	for i, want := range expected {
		if order[i] != want {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want)
		}
	}
}

func TestChain_Empty(t *testing.T) {
	chain := middleware.Chain()
	called := false
	handler := func(_ context.Context) (json.RawMessage, error) {
		called = true
		return nil, nil
	}

	if _, err := chain(context.Background(), testInput(), handler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called with empty chain")
	}
}

func TestChain_PropagatesError(t *testing.T) {
	mw := func(ctx context.Context, _ stage.Input, next middleware.Handler) (json.RawMessage, error) {
		return next(ctx)
	}
	chain := middleware.Chain(mw)
	want := errors.New("executor error")

	_, err := chain(context.Background(), testInput(), func(_ context.Context) (json.RawMessage, error) {
		return nil, want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestRecover_CatchesPanic(t *testing.T) {
	mw := middleware.Recover(discardLogger())

	_, err := mw(context.Background(), testInput(), func(_ context.Context) (json.RawMessage, error) {
		panic("boom")
	})
	if err == nil {
		t.Fatal("expected error from panic")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error %q does not mention the panic value", err)
	}
	f := job.AsFailure(err)
	if f.Kind != job.FailureTerminal {
		t.Errorf("panic failure kind = %s, want terminal", f.Kind)
	}
}

func TestRecover_PassesThroughSuccess(t *testing.T) {
	mw := middleware.Recover(discardLogger())

	out, err := mw(context.Background(), testInput(), func(_ context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != `{"ok":true}` {
		t.Errorf("output = %q", out)
	}
}

func TestTimeout_CancelsSlowExecutor(t *testing.T) {
	mw := middleware.Timeout(10 * time.Millisecond)

	_, err := mw(context.Background(), testInput(), func(ctx context.Context) (json.RawMessage, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return nil, errors.New("deadline never fired")
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	// A deadline expiry classifies as transient so the retry policy
	// can reschedule the stage.
	if job.Classify(err) != job.FailureTransient {
		t.Errorf("timeout classified as %s, want transient", job.Classify(err))
	}
}

func TestTimeout_ZeroDisablesDeadline(t *testing.T) {
	mw := middleware.Timeout(0)

	_, err := mw(context.Background(), testInput(), func(ctx context.Context) (json.RawMessage, error) {
		if _, ok := ctx.Deadline(); ok {
			return nil, errors.New("unexpected deadline")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWrap_AppliesMiddlewareToExecutor(t *testing.T) {
	var sawStage job.Stage
	mw := func(ctx context.Context, in stage.Input, next middleware.Handler) (json.RawMessage, error) {
		sawStage = in.Stage
		return next(ctx)
	}

	exec := middleware.Wrap(stage.Func(func(_ context.Context, _ stage.Input) (json.RawMessage, error) {
		return json.RawMessage(`{"section":"done"}`), nil
	}), mw)

	in := testInput()
	out, err := exec.Execute(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != `{"section":"done"}` {
		t.Errorf("output = %q", out)
	}
	if sawStage != in.Stage {
		t.Errorf("middleware saw stage %q, want %q", sawStage, in.Stage)
	}
}
