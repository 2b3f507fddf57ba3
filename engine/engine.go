package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	finsight "github.com/finsight/finsight"
	"github.com/finsight/finsight/archive"
	"github.com/finsight/finsight/backoff"
	"github.com/finsight/finsight/dedupe"
	"github.com/finsight/finsight/event"
	"github.com/finsight/finsight/ext"
	"github.com/finsight/finsight/id"
	"github.com/finsight/finsight/job"
	mw "github.com/finsight/finsight/middleware"
	"github.com/finsight/finsight/observability"
	"github.com/finsight/finsight/pipeline"
	"github.com/finsight/finsight/ratelimit"
	"github.com/finsight/finsight/scope"
	"github.com/finsight/finsight/stage"
	"github.com/finsight/finsight/store"
)

// RateLimitError reports a denied submission together with when the
// caller may try again.
type RateLimitError struct {
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", finsight.ErrRateLimited, e.RetryAfter)
}

// Unwrap lets errors.Is match finsight.ErrRateLimited.
func (e *RateLimitError) Unwrap() error { return finsight.ErrRateLimited }

// Engine coordinates admission, persistence, the pipeline pool, and the
// event bus. Use Build to create one.
type Engine struct {
	cfg        finsight.Config
	store      store.Store
	limiter    *ratelimit.Limiter
	dedupe     *dedupe.Registry
	stages     *stage.Registry
	bus        *event.Bus
	archiver   *archive.Service
	extensions *ext.Registry
	strategy   backoff.Strategy
	pool       *pipeline.Pool
	mws        []mw.Middleware
	logger     *slog.Logger

	// Janitor goroutine lifecycle; nil until Start.
	sweepStop chan struct{}
	sweepDone chan struct{}

	// pendingExts holds extensions registered via options before the
	// registry exists; Build drains it.
	pendingExts []ext.Extension

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) {
		if l != nil {
			eng.logger = l
		}
	}
}

// WithStage binds an executor for a pipeline stage.
func WithStage(s job.Stage, e stage.Executor) Option {
	return func(eng *Engine) {
		eng.stages.Bind(s, e)
	}
}

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.pendingExts = append(eng.pendingExts, e)
	}
}

// WithMiddleware adds middleware to the stage execution chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithBackoffStrategy sets the retry delay strategy. If not set, an
// exponential strategy with jitter built from the config's RetryBase and
// RetryMax is used.
func WithBackoffStrategy(s backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.strategy = s
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, both the metrics middleware and the observability extension
// use this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// dedupeRelease starts the idempotency retention countdown when a job
// terminates, so a later identical submission can mint a fresh job.
type dedupeRelease struct {
	registry *dedupe.Registry
}

func (d *dedupeRelease) Name() string { return "dedupe-release" }

func (d *dedupeRelease) OnJobCompleted(_ context.Context, j *job.Job, _ time.Duration) error {
	d.registry.MarkTerminal(j.DedupKey)
	return nil
}

func (d *dedupeRelease) OnJobFailed(_ context.Context, j *job.Job, _ error) error {
	d.registry.MarkTerminal(j.DedupKey)
	return nil
}

func (d *dedupeRelease) OnJobCancelled(_ context.Context, j *job.Job) error {
	d.registry.MarkTerminal(j.DedupKey)
	return nil
}

// Build creates an Engine over a store. Zero config fields fall back to
// DefaultConfig values.
func Build(st store.Store, cfg finsight.Config, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, finsight.ErrNoStore
	}
	cfg = normalize(cfg)

	eng := &Engine{
		cfg:    cfg,
		store:  st,
		stages: stage.NewRegistry(),
		logger: slog.Default(),
	}
	// Options may replace the logger, so the registry is created after.
	for _, opt := range opts {
		opt(eng)
	}
	eng.extensions = ext.NewRegistry(eng.logger)
	for _, e := range eng.pendingExts {
		eng.extensions.Register(e)
	}
	eng.pendingExts = nil

	eng.limiter = ratelimit.New(cfg.RateLimit, cfg.RateWindow)
	eng.dedupe = dedupe.New(cfg.DedupRetention)
	eng.bus = event.NewBus(
		event.WithRetention(cfg.EventRetention),
		event.WithLogger(eng.logger),
	)
	eng.archiver = archive.NewService(st, st, cfg.MaxAttempts, archive.WithAdmit(eng.resubmit))

	if eng.strategy == nil {
		eng.strategy = backoff.NewExponentialWithJitter(cfg.RetryBase, cfg.RetryMax)
	}
	policy := backoff.NewPolicy(cfg.MaxAttempts, eng.strategy)

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer("github.com/finsight/finsight"))
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter("github.com/finsight/finsight"))
	} else {
		metricsMw = mw.Metrics()
	}

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		obsExt = observability.NewMetricsExtensionWithMeter(
			eng.meterProvider.Meter("github.com/finsight/finsight/observability"))
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)
	eng.extensions.Register(&dedupeRelease{registry: eng.dedupe})

	// Default middleware stack: recover → tracing → metrics → logging → timeout.
	allMws := []mw.Middleware{
		mw.Recover(eng.logger),
		tracingMw,
		metricsMw,
		mw.Logging(eng.logger),
		mw.Timeout(cfg.StageTimeout),
	}
	allMws = append(allMws, eng.mws...)

	executor := pipeline.NewExecutor(
		st, eng.stages, eng.bus, eng.archiver, eng.extensions, policy,
		eng.logger, allMws...,
	)
	eng.pool = pipeline.NewPool(st, executor, eng.logger,
		pipeline.WithConcurrency(cfg.Concurrency),
		pipeline.WithPollInterval(cfg.PollInterval),
	)

	return eng, nil
}

func normalize(cfg finsight.Config) finsight.Config {
	def := finsight.DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = def.RetryMax
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = def.StageTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}
	if cfg.DedupRetention <= 0 {
		cfg.DedupRetention = def.DedupRetention
	}
	if cfg.EventRetention <= 0 {
		cfg.EventRetention = def.EventRetention
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	return cfg
}

// Submit admits an analysis submission for a document. The principal is
// taken from the context scope (anonymous submissions share one rate
// bucket). A resubmission of a live or recently terminal document+prompt
// pair returns the existing job with isNew=false.
func (eng *Engine) Submit(ctx context.Context, docID id.DocumentID, prompt string) (*job.Job, bool, error) {
	if docID.IsNil() {
		return nil, false, fmt.Errorf("%w: missing document id", finsight.ErrInvalidSubmission)
	}

	principal, _ := scope.Principal(ctx)
	if allowed, retryAfter := eng.limiter.Admit(principal.String()); !allowed {
		eng.logger.Info("submission rate limited",
			slog.String("principal", principal.String()),
			slog.Duration("retry_after", retryAfter),
			slog.Int("window_count", eng.limiter.Pending(principal.String())),
		)
		return nil, false, &RateLimitError{RetryAfter: retryAfter}
	}

	key := job.DedupKey(docID, prompt)
	jobID, isNew, err := eng.dedupe.AdmitOrReuse(ctx, key, func(ctx context.Context) (id.JobID, error) {
		return eng.admit(ctx, docID, principal, prompt)
	})
	if err != nil {
		return nil, false, err
	}

	j, err := eng.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	return j, isNew, nil
}

// admit creates and durably enqueues a fresh job, then publishes the
// admission event. Runs under the dedup key's lock.
func (eng *Engine) admit(ctx context.Context, docID id.DocumentID, principal id.PrincipalID, prompt string) (id.JobID, error) {
	j := job.New(docID, principal, prompt)

	if err := eng.store.EnqueueJob(ctx, j); err != nil {
		// The store-level dedup constraint may know about a live job the
		// in-memory registry lost (e.g. after a restart). Adopt it.
		if errors.Is(err, finsight.ErrJobAlreadyExists) {
			if existing, lookupErr := eng.store.ActiveJobByDedupKey(ctx, j.DedupKey); lookupErr == nil {
				return existing.ID, nil
			}
		}
		return id.Nil, err
	}

	eng.bus.Publish(event.New(event.TypeAdmitted, j, nil))
	eng.extensions.EmitJobAdmitted(ctx, j)

	eng.logger.Info("job admitted",
		slog.String("job_id", j.ID.String()),
		slog.String("document_id", docID.String()),
		slog.String("principal", principal.String()),
	)
	return j.ID, nil
}

// resubmit re-admits a document+prompt pair on behalf of archive
// replay. It goes through the idempotency registry so a replay can
// never race a live job into a duplicate, but unlike Submit a terminal
// job still inside dedup retention does not satisfy it.
func (eng *Engine) resubmit(ctx context.Context, docID id.DocumentID, principal id.PrincipalID, prompt string) (*job.Job, bool, error) {
	key := job.DedupKey(docID, prompt)
	jobID, isNew, err := eng.dedupe.AdmitOrReplace(ctx, key, func(ctx context.Context) (id.JobID, error) {
		return eng.admit(ctx, docID, principal, prompt)
	})
	if err != nil {
		return nil, false, err
	}

	j, err := eng.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	return j, isNew, nil
}

// Job retrieves a job by ID.
func (eng *Engine) Job(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return eng.store.GetJob(ctx, jobID)
}

// JobsByDocument returns all jobs for a document, newest first.
func (eng *Engine) JobsByDocument(ctx context.Context, docID id.DocumentID) ([]*job.Job, error) {
	return eng.store.JobsByDocument(ctx, docID)
}

// Cancel requests cooperative cancellation of a job. The request takes
// effect at the next stage boundary; an in-flight stage call finishes
// but its result is discarded.
func (eng *Engine) Cancel(ctx context.Context, jobID id.JobID) error {
	return eng.store.RequestCancel(ctx, jobID)
}

// Subscribe opens a progress event stream for a document, replaying from
// fromSeq (0 means only new events).
func (eng *Engine) Subscribe(docID id.DocumentID, fromSeq uint64) (*event.Subscription, error) {
	return eng.bus.Subscribe(docID, fromSeq)
}

// Start begins processing: it verifies every pipeline stage has an
// executor bound, checks store connectivity, and starts the worker pool.
func (eng *Engine) Start(ctx context.Context) error {
	if !eng.stages.Complete() {
		return finsight.ErrStageNotBound
	}
	if err := eng.store.Ping(ctx); err != nil {
		return fmt.Errorf("engine: store ping: %w", err)
	}
	if err := eng.pool.Start(ctx); err != nil {
		return err
	}

	eng.sweepStop = make(chan struct{})
	eng.sweepDone = make(chan struct{})
	go eng.sweepDedupe()
	return nil
}

// sweepDedupe periodically drops expired idempotency entries so the
// registry does not grow without bound in a long-running process.
func (eng *Engine) sweepDedupe() {
	defer close(eng.sweepDone)
	ticker := time.NewTicker(eng.cfg.DedupRetention)
	defer ticker.Stop()
	for {
		select {
		case <-eng.sweepStop:
			return
		case <-ticker.C:
			if removed := eng.dedupe.Sweep(); removed > 0 {
				eng.logger.Debug("idempotency entries swept", slog.Int("removed", removed))
			}
		}
	}
}

// Stop gracefully shuts down the engine: the pool drains within the
// configured shutdown timeout, extensions are notified, and the event
// bus closes all subscriber streams.
func (eng *Engine) Stop(ctx context.Context) error {
	stopCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		stopCtx, cancel = context.WithTimeout(ctx, eng.cfg.ShutdownTimeout)
		defer cancel()
	}

	if eng.sweepStop != nil {
		close(eng.sweepStop)
		<-eng.sweepDone
		eng.sweepStop = nil
	}

	err := eng.pool.Stop(stopCtx)
	eng.extensions.EmitShutdown(ctx)
	eng.bus.Close()
	return err
}

// Config returns the engine's normalized configuration.
func (eng *Engine) Config() finsight.Config { return eng.cfg }

// Store returns the engine's store.
func (eng *Engine) Store() store.Store { return eng.store }

// Stages returns the stage registry.
func (eng *Engine) Stages() *stage.Registry { return eng.stages }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Events returns the event bus.
func (eng *Engine) Events() *event.Bus { return eng.bus }

// Archive returns the failure archive service.
func (eng *Engine) Archive() *archive.Service { return eng.archiver }
