// Package middleware provides composable middleware for stage execution.
// Middleware wraps executor calls synchronously and can modify execution
// (recover from panics, enforce deadlines, log, add tracing, etc.).
package middleware

import (
	"context"
	"encoding/json"

	"github.com/finsight/finsight/stage"
)

// Handler is the terminal function that executes stage logic.
type Handler func(ctx context.Context) (json.RawMessage, error)

// Middleware wraps a Handler with cross-cutting logic.
// It receives the current context, the stage input being executed, and
// the next handler to call. Middleware MUST call next to continue the
// chain (unless short-circuiting on error).
type Middleware func(ctx context.Context, in stage.Input, next Handler) (json.RawMessage, error)

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, recover, timeout) executes as:
//
//	logging → recover → timeout → executor
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, in stage.Input, next Handler) (json.RawMessage, error) {
		// Build the chain from the end backwards.
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) (json.RawMessage, error) {
				return mw(ctx, in, prev)
			}
		}
		return h(ctx)
	}
}

// Wrap applies a Middleware to a stage.Executor, producing an Executor
// that runs the middleware chain around every invocation.
func Wrap(exec stage.Executor, mw Middleware) stage.Executor {
	return stage.Func(func(ctx context.Context, in stage.Input) (json.RawMessage, error) {
		return mw(ctx, in, func(ctx context.Context) (json.RawMessage, error) {
			return exec.Execute(ctx, in)
		})
	})
}
