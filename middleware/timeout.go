package middleware

import (
	"context"
	"encoding/json"
	"time"

	"github.com/finsight/finsight/stage"
)

// Timeout returns middleware that enforces a per-stage execution deadline.
// When the deadline is exceeded the context is cancelled and the executor
// should return context.DeadlineExceeded, which the retry policy treats
// as transient. A non-positive duration disables the deadline.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, in stage.Input, next Handler) (json.RawMessage, error) {
		if d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
