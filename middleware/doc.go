// Package middleware provides composable middleware for stage execution.
//
// A [Middleware] is a function that wraps a stage executor. Middleware are
// composed into a chain using [Chain] and applied before each stage runs.
// They are applied right-to-left: the first middleware in the slice is the
// outermost wrapper.
//
//	// logging → recover → executor
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging] — logs job, document, stage, duration, and outcome
//   - [Recover] — catches panics and converts them to terminal failures
//   - [Timeout] — cancels the stage context after a configured duration
//   - [Tracing] — wraps execution in an OpenTelemetry span
//   - [Metrics] — records per-stage duration and outcome counters
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, in stage.Input, next middleware.Handler) (json.RawMessage, error) {
//	        // pre-processing
//	        out, err := next(ctx)
//	        // post-processing
//	        return out, err
//	    }
//	}
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting (e.g., circuit breaker, rate limiting).
package middleware
