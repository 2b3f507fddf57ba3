// Package stage defines the executor contract for the four analysis
// pipeline stages. Stage content — document parsing, metric extraction,
// model reasoning, search — lives behind this interface; the pipeline
// treats every stage as an opaque call that returns a payload or a typed
// failure.
package stage

import (
	"context"
	"encoding/json"
	"sync"

	finsight "github.com/finsight/finsight"
	"github.com/finsight/finsight/id"
	"github.com/finsight/finsight/job"
)

// Input is the accumulated context handed to a stage executor: the
// document under analysis, the submitted prompt, and the sections
// produced by prior stages.
type Input struct {
	JobID      id.JobID        `json:"job_id"`
	DocumentID id.DocumentID   `json:"document_id"`
	Prompt     string          `json:"prompt"`
	Stage      job.Stage       `json:"stage"`
	Prior      job.Result      `json:"prior,omitempty"`
	Attempt    int             `json:"attempt"`
	Meta       json.RawMessage `json:"meta,omitempty"`
}

// Executor runs one pipeline stage. Implementations return the stage's
// structured payload on success, or an error — a *job.Failure to control
// retry classification, anything else is treated as transient.
type Executor interface {
	Execute(ctx context.Context, in Input) (json.RawMessage, error)
}

// Func adapts a plain function to the Executor interface.
type Func func(ctx context.Context, in Input) (json.RawMessage, error)

// Execute implements Executor.
func (f Func) Execute(ctx context.Context, in Input) (json.RawMessage, error) {
	return f(ctx, in)
}

// Registry maps pipeline stages to their executors.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[job.Stage]Executor
}

// NewRegistry creates an empty stage registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[job.Stage]Executor)}
}

// Bind registers an executor for a stage, replacing any previous binding.
func (r *Registry) Bind(s job.Stage, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[s] = e
}

// Get returns the executor bound to the given stage.
func (r *Registry) Get(s job.Stage) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[s]
	if !ok {
		return nil, finsight.ErrStageNotBound
	}
	return e, nil
}

// Complete reports whether every pipeline stage has an executor bound.
func (r *Registry) Complete() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range job.Pipeline() {
		if _, ok := r.executors[s]; !ok {
			return false
		}
	}
	return true
}
