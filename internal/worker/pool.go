// Package worker runs background jobs on a fixed-size pool that rejects work
// instead of queueing it without bound.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"git.cscs.ch/openchami/chamicore-valence/internal/metrics"
)

const defaultPoolSize = 10

var (
	// ErrPoolFull is returned when every worker slot is occupied.
	ErrPoolFull = errors.New("worker pool is full")
	// ErrPoolClosed is returned after Shutdown has been called.
	ErrPoolClosed = errors.New("worker pool is shut down")
)

// Job is one unit of background work.
type Job func(ctx context.Context)

// Config controls pool sizing.
type Config struct {
	Size int
}

// Pool executes jobs on a fixed number of goroutines. A job counts against the
// pool from Submit until it returns, so Submit fails fast once Size jobs are in flight.
type Pool struct {
	size   int
	queue  *queue
	slots  chan struct{}
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
	active    atomic.Int64
}

// New creates a pool. Call Start before submitting.
func New(cfg Config, logger zerolog.Logger) *Pool {
	size := cfg.Size
	if size <= 0 {
		size = defaultPoolSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		size:   size,
		queue:  newQueue(size),
		slots:  make(chan struct{}, size),
		logger: logger.With().Str("component", "worker").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Active returns the number of jobs currently submitted and not yet finished.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Start launches the worker goroutines. It is safe to call multiple times.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.size; i++ {
			p.wg.Add(1)
			go p.worker()
		}
	})
}

// Submit hands a job to the pool without blocking.
func (p *Pool) Submit(name string, job Job) error {
	select {
	case p.slots <- struct{}{}:
	default:
		metrics.WorkerRejectionsTotal.WithLabelValues(name).Inc()
		return ErrPoolFull
	}

	ok, err := p.queue.tryEnqueue(queuedJob{name: name, run: job})
	if err != nil {
		<-p.slots
		return ErrPoolClosed
	}
	if !ok {
		<-p.slots
		metrics.WorkerRejectionsTotal.WithLabelValues(name).Inc()
		return ErrPoolFull
	}
	p.active.Add(1)
	return nil
}

// Shutdown stops accepting jobs and waits for queued and running jobs to
// finish. When ctx expires first, running jobs see their context canceled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.closeOnce.Do(p.queue.close)
	p.Start()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for item := range p.queue.ch {
		p.run(item)
	}
}

func (p *Pool) run(item queuedJob) {
	defer func() {
		if recovered := recover(); recovered != nil {
			p.logger.Error().Str("job", item.name).Interface("panic", recovered).Msg("background job panicked")
		}
		p.active.Add(-1)
		<-p.slots
	}()
	item.run(p.ctx)
}
