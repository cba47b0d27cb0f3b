package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hugo-lorenzo-mato/stepwise/internal/core"
	"github.com/hugo-lorenzo-mato/stepwise/internal/logging"
)

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	// Schedule is a cron spec or descriptor such as "@every 1m".
	Schedule string
	// StaleAfter is how long past its last due delivery a pending task must
	// be before it is redelivered.
	StaleAfter time.Duration
	// BatchSize caps the tasks redelivered per sweep.
	BatchSize int
}

// DefaultSweeperConfig returns the default sweeper configuration.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Schedule:   "@every 1m",
		StaleAfter: 5 * time.Minute,
		BatchSize:  500,
	}
}

// Sweeper periodically redelivers pending tasks whose deliveries were lost.
// Dead-lettered tasks are left alone.
type Sweeper struct {
	store     core.Store
	scheduler core.Scheduler
	cfg       SweeperConfig
	cron      *cron.Cron
	logger    *logging.Logger

	mu      sync.Mutex
	running bool
}

// NewSweeper creates a sweeper. The schedule is parsed eagerly.
func NewSweeper(store core.Store, scheduler core.Scheduler, cfg SweeperConfig, logger *logging.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	def := DefaultSweeperConfig()
	if cfg.Schedule == "" {
		cfg.Schedule = def.Schedule
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}

	s := &Sweeper{
		store:     store,
		scheduler: scheduler,
		cfg:       cfg,
		cron:      cron.New(),
		logger:    logger,
	}
	if _, err := s.cron.AddFunc(cfg.Schedule, s.tick); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Run starts the cron scheduler and blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("sweeper started", "schedule", s.cfg.Schedule, "stale_after", s.cfg.StaleAfter)
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("sweeper stopped")
	return nil
}

func (s *Sweeper) tick() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Debug("previous sweep still running, skipping")
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if _, err := s.Sweep(context.Background()); err != nil {
		s.logger.Error("sweep failed", "error", err)
	}
}

// Sweep redelivers one batch of stale pending tasks and returns how many
// were scheduled.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.cfg.StaleAfter)
	tasks, err := s.store.StalePendingTasks(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	scheduled := 0
	for _, t := range tasks {
		d := core.DeliveryFor(t)
		d.Reason = "swept"
		if err := s.scheduler.Schedule(ctx, d); err != nil {
			return scheduled, fmt.Errorf("redelivering task %s: %w", t.ID, err)
		}
		scheduled++
	}
	if scheduled > 0 {
		s.logger.Info("redelivered stale tasks", "count", scheduled)
	}
	return scheduled, nil
}
