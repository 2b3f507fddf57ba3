// Package engine wires all finsight subsystems together and provides
// the application-level API: submitting an analysis, querying a job,
// cancelling, and subscribing to a document's progress events.
//
// The engine package exists to break a fundamental import cycle: the
// root finsight package defines Entity and Config (imported by job,
// event, archive, etc.) and therefore cannot import those packages back.
// Engine sits above all subsystem packages and below the API layer.
//
// # Building an Engine
//
//	eng, err := engine.Build(st, finsight.DefaultConfig(),
//	    engine.WithLogger(logger),
//	    engine.WithStage(job.StageVerifying, verifier),
//	    engine.WithStage(job.StageAnalyzing, analyst),
//	    engine.WithStage(job.StageRiskAssessing, riskAssessor),
//	    engine.WithStage(job.StageRecommending, advisor),
//	)
//
// # Submitting Work
//
//	j, isNew, err := eng.Submit(ctx, docID, "what are the liquidity risks?")
//
// Submission runs admission control (per-principal rate limit) and the
// idempotency registry: a resubmission of the same document and prompt
// while a job is live, or within the dedup retention after it
// terminates, returns the existing job with isNew=false.
//
// # Options
//
//   - [WithLogger] — set the engine logger
//   - [WithStage] — bind a stage executor
//   - [WithExtension] — register a lifecycle extension
//   - [WithMiddleware] — add a middleware to the stage execution chain
//   - [WithBackoffStrategy] — set the retry delay strategy
//   - [WithTracerProvider] — set the OpenTelemetry tracer provider
//   - [WithMeterProvider] — set the OpenTelemetry meter provider
package engine
