package delivery

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/stepwise/internal/core"
	"github.com/hugo-lorenzo-mato/stepwise/internal/logging"
)

// Executor runs one attempt of a delivery.
type Executor interface {
	Execute(ctx context.Context, d core.Delivery) error
}

// Source yields deliveries until ctx is done.
type Source interface {
	Subscribe(ctx context.Context) (<-chan core.Delivery, error)
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Concurrency int
	RateLimit   RateLimiterConfig
}

// Pool runs a fixed number of workers draining a Source.
type Pool struct {
	source      Source
	exec        Executor
	retrier     *Retrier
	limiter     *RateLimiter
	concurrency int
	logger      *logging.Logger
	stats       Stats
}

// NewPool creates a worker pool.
func NewPool(source Source, exec Executor, retrier *Retrier, cfg PoolConfig, logger *logging.Logger) *Pool {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Pool{
		source:      source,
		exec:        exec,
		retrier:     retrier,
		limiter:     NewRateLimiter(cfg.RateLimit),
		concurrency: cfg.Concurrency,
		logger:      logger,
	}
}

// Run blocks until ctx is done or the source closes.
func (p *Pool) Run(ctx context.Context) error {
	deliveries, err := p.source.Subscribe(ctx)
	if err != nil {
		return err
	}
	p.logger.Info("worker pool started", "concurrency", p.concurrency)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		worker := i
		g.Go(func() error {
			return p.work(gctx, worker, deliveries)
		})
	}
	err = g.Wait()
	p.logger.Info("worker pool stopped", "attempts", p.stats.Attempts.Load())
	return err
}

func (p *Pool) work(ctx context.Context, worker int, deliveries <-chan core.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			if err := p.limiter.Acquire(ctx); err != nil {
				return nil
			}
			p.handle(ctx, worker, d)
		}
	}
}

func (p *Pool) handle(ctx context.Context, worker int, d core.Delivery) {
	p.stats.Attempts.Add(1)
	start := time.Now()
	err := p.exec.Execute(ctx, d)
	if err == nil {
		p.stats.Resolved.Add(1)
		return
	}

	log := p.logger.WithTask(string(d.TaskID)).With("worker", worker, "elapsed", time.Since(start))
	if ctx.Err() != nil {
		log.Info("attempt interrupted by shutdown, sweeper will redeliver", "error", err)
		return
	}

	res, rerr := p.retrier.Handle(ctx, d, err)
	switch res {
	case DeadLettered:
		p.stats.DeadLettered.Add(1)
	default:
		p.stats.Redelivered.Add(1)
	}
	if rerr != nil {
		p.stats.Errors.Add(1)
		log.Error("failed to resolve attempt", "error", rerr, "cause", err)
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() StatsSnapshot {
	return p.stats.Snapshot()
}

// Stats counts attempt resolutions.
type Stats struct {
	Attempts     atomic.Int64
	Resolved     atomic.Int64
	Redelivered  atomic.Int64
	DeadLettered atomic.Int64
	Errors       atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Attempts     int64 `json:"attempts" yaml:"attempts"`
	Resolved     int64 `json:"resolved" yaml:"resolved"`
	Redelivered  int64 `json:"redelivered" yaml:"redelivered"`
	DeadLettered int64 `json:"dead_lettered" yaml:"dead_lettered"`
	Errors       int64 `json:"errors" yaml:"errors"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Attempts:     s.Attempts.Load(),
		Resolved:     s.Resolved.Load(),
		Redelivered:  s.Redelivered.Load(),
		DeadLettered: s.DeadLettered.Load(),
		Errors:       s.Errors.Load(),
	}
}
