// Package observability provides an OpenTelemetry-based metrics extension
// for Finsight. The MetricsExtension implements lifecycle hooks to record
// system-wide counters for job admission, stage completion, retry, failure,
// cancellation, and archive events.
//
// For per-execution tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
