package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime/debug"

	"github.com/finsight/finsight/job"
	"github.com/finsight/finsight/stage"
)

// Recover returns middleware that recovers from panics in the executor chain.
// Panics are converted to terminal failures and logged with a stack trace:
// a panicking executor is a bug, and retrying it would reproduce the panic.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, in stage.Input, next Handler) (out json.RawMessage, retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("stage executor panicked",
					slog.String("job_id", in.JobID.String()),
					slog.String("stage", string(in.Stage)),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				out = nil
				retErr = job.Terminal("panic in stage %s: %v", in.Stage, r)
			}
		}()
		return next(ctx)
	}
}
