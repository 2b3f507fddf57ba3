// Package pipeline runs admitted jobs through the four analysis stages.
//
// The Executor owns a single job's progression: it advances the stage,
// invokes the bound stage executor through the middleware chain, merges
// section payloads into the job result, consults the retry policy on
// failure, and publishes a progress event after every durable state
// change. The Pool manages the worker goroutines that poll the store
// for runnable jobs and feed them to the Executor.
//
// Stage execution for one document is serialized by the store's dequeue
// contract; the pool only adds concurrency across documents.
package pipeline
