package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type periodicJob struct {
	name       string
	interval   time.Duration
	runOnStart bool
	run        Job
}

// Periodic fires named jobs on fixed intervals, handing each run to a Pool.
type Periodic struct {
	pool   *Pool
	logger zerolog.Logger

	mu   sync.Mutex
	jobs []periodicJob
}

// NewPeriodic creates a periodic scheduler backed by pool.
func NewPeriodic(pool *Pool, logger zerolog.Logger) *Periodic {
	return &Periodic{
		pool:   pool,
		logger: logger.With().Str("component", "periodic").Logger(),
	}
}

// Add registers a job. Jobs added after Run has started are ignored.
func (p *Periodic) Add(name string, interval time.Duration, runOnStart bool, job Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, periodicJob{name: name, interval: interval, runOnStart: runOnStart, run: job})
}

// Run blocks until ctx is canceled.
func (p *Periodic) Run(ctx context.Context) {
	p.mu.Lock()
	jobs := append([]periodicJob(nil), p.jobs...)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, job := range jobs {
		if job.interval <= 0 {
			p.logger.Warn().Str("job", job.name).Msg("periodic job has no interval, skipping")
			continue
		}
		wg.Add(1)
		go func(job periodicJob) {
			defer wg.Done()
			p.loop(ctx, job)
		}(job)
	}
	wg.Wait()
}

func (p *Periodic) loop(ctx context.Context, job periodicJob) {
	if job.runOnStart {
		p.fire(job)
	}

	ticker := time.NewTicker(job.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.fire(job)
		}
	}
}

func (p *Periodic) fire(job periodicJob) {
	err := p.pool.Submit(job.name, job.run)
	switch {
	case err == nil:
	case errors.Is(err, ErrPoolFull):
		p.logger.Warn().Str("job", job.name).Msg("worker pool full, periodic run skipped")
	default:
		p.logger.Debug().Err(err).Str("job", job.name).Msg("periodic run not submitted")
	}
}
