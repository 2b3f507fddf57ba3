package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/finsight/finsight/job"
)

// Pool manages the worker goroutines that poll the store for runnable
// jobs and execute them. Per-document serialization is the store's
// responsibility; the pool only bounds concurrency across documents.
type Pool struct {
	store        job.Store
	executor     *Executor
	concurrency  int
	pollInterval time.Duration
	claimLimiter *rate.Limiter
	logger       *slog.Logger

	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	activeJobs map[string]context.CancelFunc
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of concurrent worker goroutines.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithPollInterval sets how long idle workers wait between polls.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithClaimRate caps how many jobs per second the pool claims from the
// store, smoothing bursts across all workers. Zero disables the cap.
func WithClaimRate(perSecond float64, burst int) PoolOption {
	return func(p *Pool) {
		if perSecond > 0 {
			p.claimLimiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// NewPool creates a worker pool.
func NewPool(store job.Store, executor *Executor, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		store:        store,
		executor:     executor,
		concurrency:  10,
		pollInterval: 250 * time.Millisecond,
		logger:       logger,
		stopCh:       make(chan struct{}),
		activeJobs:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("pipeline pool starting", slog.Int("concurrency", p.concurrency))

	for range p.concurrency {
		p.wg.Add(1)
		go p.dequeueLoop()
	}
	return nil
}

// Stop signals all workers to stop and waits for them to finish. If the
// context expires first, in-flight stage calls are cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("pipeline pool stopping")
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("pipeline pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("pipeline pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		p.wg.Wait()
	}
	return nil
}

func (p *Pool) dequeueLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		if p.claimLimiter != nil {
			r := p.claimLimiter.Reserve()
			if d := r.Delay(); d > 0 {
				if !p.sleepFor(d) {
					r.Cancel()
					return
				}
			}
		}

		jobs, err := p.store.DequeueJobs(context.Background(), 1)
		if err != nil {
			p.logger.Error("dequeue error", slog.String("error", err.Error()))
			p.sleep()
			continue
		}
		if len(jobs) == 0 {
			p.sleep()
			continue
		}

		j := jobs[0]

		ctx, cancel := context.WithCancel(context.Background())
		p.trackJob(j.ID.String(), cancel)

		if execErr := p.executor.Execute(ctx, j); execErr != nil {
			p.logger.Debug("job execution ended with failure",
				slog.String("job_id", j.ID.String()),
				slog.String("error", execErr.Error()),
			)
		}

		p.untrackJob(j.ID.String())
		cancel()
	}
}

func (p *Pool) sleep() {
	p.sleepFor(p.pollInterval)
}

// sleepFor waits for d or until the pool stops; it reports false when
// the pool is stopping.
func (p *Pool) sleepFor(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-p.stopCh:
		return false
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}
