package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrQueueFull is returned by Submit when the buffer has no room.
	ErrQueueFull = errors.New("worker queue full")
	// ErrPoolClosed is returned by Submit after Stop.
	ErrPoolClosed = errors.New("worker pool closed")
)

// Job is a unit of work retried until it succeeds or attempts run out.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// PoolConfig sizes the pool.
type PoolConfig struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	Backoff     time.Duration
}

// Pool runs jobs on a fixed number of goroutines fed by a bounded queue.
type Pool struct {
	cfg    PoolConfig
	logger *zap.Logger
	jobs   chan Job

	mu     sync.RWMutex
	closed bool
	group  *errgroup.Group
}

// NewPool applies defaults to cfg; call Start before submitting.
func NewPool(cfg PoolConfig, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{cfg: cfg, logger: logger, jobs: make(chan Job, cfg.QueueSize)}
}

// Start launches the workers. They exit once Stop drains the queue or ctx ends.
func (p *Pool) Start(ctx context.Context) {
	group, gctx := errgroup.WithContext(ctx)
	p.group = group
	for i := 0; i < p.cfg.Workers; i++ {
		group.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case job, ok := <-p.jobs:
					if !ok {
						return nil
					}
					p.run(gctx, job)
				}
			}
		})
	}
}

// Submit enqueues job without blocking.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop rejects new jobs and waits for queued ones to finish.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	if p.group == nil {
		return nil
	}
	return p.group.Wait()
}

func (p *Pool) run(ctx context.Context, job Job) {
	var err error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if err = job.Run(ctx); err == nil {
			return
		}
		if attempt == p.cfg.MaxAttempts {
			break
		}
		p.logger.Warn("job failed, retrying",
			zap.String("job", job.Name),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.Backoff * time.Duration(attempt)):
		}
	}
	p.logger.Error("job abandoned",
		zap.String("job", job.Name),
		zap.Int("attempts", p.cfg.MaxAttempts),
		zap.Error(err),
	)
}
