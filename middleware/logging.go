package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/finsight/finsight/stage"
)

// Logging returns middleware that logs stage start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, in stage.Input, next Handler) (json.RawMessage, error) {
		logger.Info("stage started",
			slog.String("job_id", in.JobID.String()),
			slog.String("document_id", in.DocumentID.String()),
			slog.String("stage", string(in.Stage)),
			slog.Int("attempt", in.Attempt),
		)

		start := time.Now()
		out, err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("stage failed",
				slog.String("job_id", in.JobID.String()),
				slog.String("stage", string(in.Stage)),
				slog.Int("attempt", in.Attempt),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("stage completed",
				slog.String("job_id", in.JobID.String()),
				slog.String("stage", string(in.Stage)),
				slog.Duration("elapsed", elapsed),
			)
		}

		return out, err
	}
}
