// Package finsight provides a durable orchestration engine for financial
// document analysis. A submitted document runs through a fixed four-stage
// pipeline (verification, financial analysis, risk assessment,
// recommendation), with progress tracked as durable job state and streamed
// to any number of observers.
//
// Finsight is designed as a library, not a service. Import it, configure a
// store, register the four stage executors, and submit documents.
//
// # Quick Start
//
//	eng, err := engine.Build(store, finsight.DefaultConfig(),
//	    engine.WithStage(job.StageVerifying, verifier),
//	    engine.WithStage(job.StageAnalyzing, analyst),
//	    engine.WithStage(job.StageRiskAssessing, riskAssessor),
//	    engine.WithStage(job.StageRecommending, advisor),
//	)
//
// # Architecture
//
// Finsight follows a composable store pattern: the job and archive
// subsystems each define their own store interface and a single backend
// (memory, sqlite, postgres, redis) implements all of them. Admission is
// guarded by a per-principal sliding-window rate limiter and an idempotency
// registry so concurrent resubmissions of the same document and prompt
// resolve to one job. Progress events carry per-document monotonic sequence
// numbers and are published only after the corresponding state change is
// durable.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package finsight
