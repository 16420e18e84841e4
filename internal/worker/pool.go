// Package worker runs background jobs with bounded concurrency.
package worker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/drewdunne/conductor/internal/metrics"
)

var (
	// ErrQueueFull is returned when the queue is at capacity.
	ErrQueueFull = errors.New("worker queue is full")

	// ErrClosed is returned by Submit after Shutdown.
	ErrClosed = errors.New("worker pool is shut down")
)

// Config configures a Pool.
type Config struct {
	Concurrency int
	QueueSize   int
	Retry       RetryConfig
}

// Job is a unit of background work. Jobs with the same non-empty Key are
// collapsed while one of them is still waiting in the queue.
type Job struct {
	Key  string
	Kind string
	Run  func(ctx context.Context) error
}

// Pool runs submitted jobs on at most Concurrency goroutines.
type Pool struct {
	cfg       Config
	logger    *zap.Logger
	queue     chan Job
	semaphore chan struct{}
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	stopped   chan struct{} // closed when dispatch returns

	mu      sync.Mutex
	pending map[string]bool
	closed  bool
}

// NewPool starts a pool.
func NewPool(cfg Config, logger *zap.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:       cfg,
		logger:    logger.Named("worker"),
		queue:     make(chan Job, cfg.QueueSize),
		semaphore: make(chan struct{}, cfg.Concurrency),
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[string]bool),
		stopped:   make(chan struct{}),
	}
	go p.dispatch()
	return p
}

// Submit queues job. A job whose key is already queued is dropped and Submit
// returns nil.
func (p *Pool) Submit(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if job.Key != "" && p.pending[job.Key] {
		return nil
	}
	select {
	case p.queue <- job:
		if job.Key != "" {
			p.pending[job.Key] = true
		}
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pool) dispatch() {
	defer close(p.stopped)
	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-p.queue:
			select {
			case p.semaphore <- struct{}{}:
			case <-p.ctx.Done():
				return
			}
			// Both cases can be ready at once; never start a job after
			// cancellation.
			if p.ctx.Err() != nil {
				<-p.semaphore
				return
			}

			p.mu.Lock()
			delete(p.pending, job.Key)
			p.mu.Unlock()

			p.wg.Add(1)
			go func(job Job) {
				defer p.wg.Done()
				defer func() { <-p.semaphore }()
				p.run(job)
			}(job)
		}
	}
}

func (p *Pool) run(job Job) {
	err := WithRetry(p.ctx, p.cfg.Retry, func() error { return job.Run(p.ctx) })
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	metrics.JobFailed(job.Kind)
	p.logger.Error("job failed", zap.String("kind", job.Kind), zap.String("key", job.Key), zap.Error(err))
}

// QueueLength returns the number of jobs waiting to start.
func (p *Pool) QueueLength() int {
	return len(p.queue)
}

// ActiveCount returns the number of running jobs.
func (p *Pool) ActiveCount() int {
	return len(p.semaphore)
}

// Shutdown stops accepting jobs, cancels running ones and waits for them.
// Queued jobs that have not started are dropped.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	<-p.stopped
	p.wg.Wait()
}
