package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/stepwise/internal/adapters/store"
	"github.com/hugo-lorenzo-mato/stepwise/internal/backoff"
	"github.com/hugo-lorenzo-mato/stepwise/internal/config"
	"github.com/hugo-lorenzo-mato/stepwise/internal/core"
	"github.com/hugo-lorenzo-mato/stepwise/internal/delivery"
	"github.com/hugo-lorenzo-mato/stepwise/internal/demo"
	"github.com/hugo-lorenzo-mato/stepwise/internal/events"
	"github.com/hugo-lorenzo-mato/stepwise/internal/graph"
	"github.com/hugo-lorenzo-mato/stepwise/internal/logging"
	"github.com/hugo-lorenzo-mato/stepwise/internal/service/executor"
)

// app holds what every command needs: configuration, a logger, the store
// and the graph registry.
type app struct {
	cfg    *config.Config
	loader *config.Loader
	logger *logging.Logger
	store  core.Store
	graphs *graph.Registry

	closers []func() error
}

// loadConfig reads and validates configuration from flags, environment and file.
func loadConfig() (*config.Config, *config.Loader, error) {
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}

// newApp loads configuration and opens the store.
func newApp(ctx context.Context) (*app, error) {
	cfg, loader, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, loader: loader}
	logger, closeLog, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}
	a.logger = logger
	a.closers = append(a.closers, closeLog)

	s, err := store.Open(ctx, storeConfig(cfg.Store), logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("opening store: %w", err)
	}
	a.store = s
	a.closers = append(a.closers, func() error { return store.CloseStore(s) })

	a.graphs = graph.NewRegistry()
	if err := demo.Register(a.graphs); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.logger != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

// newLogger builds the logger. A configured file replaces w.
func newLogger(cfg config.LogConfig, w io.Writer) (*logging.Logger, func() error, error) {
	closeFn := func() error { return nil }
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o750); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		w = f
		closeFn = f.Close
	}
	return logging.New(logging.Config{
		Level:  cfg.Level,
		Format: cfg.Format,
		Output: w,
	}), closeFn, nil
}

func storeConfig(cfg config.StoreConfig) store.Config {
	return store.Config{
		Driver:          cfg.Driver,
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: config.MustDuration(cfg.ConnMaxLifetime),
		BusyTimeout:     config.MustDuration(cfg.BusyTimeout),
		Migrate:         cfg.Migrate,
	}
}

func executorConfig(cfg config.ExecutorConfig) executor.Config {
	return executor.Config{
		DefaultTimeout: config.MustDuration(cfg.DefaultTimeout),
		TimeoutGrace:   config.MustDuration(cfg.TimeoutGrace),
		ErrorSuccessor: cfg.ErrorSuccessor,
	}
}

func brokerConfig(cfg config.DeliveryConfig) delivery.BrokerConfig {
	return delivery.BrokerConfig{Topic: cfg.Topic, Buffer: int64(cfg.Buffer)}
}

func poolConfig(cfg config.DeliveryConfig) delivery.PoolConfig {
	return delivery.PoolConfig{
		Concurrency: cfg.Concurrency,
		RateLimit:   delivery.RateLimiterConfig{Rate: cfg.RateLimit, Burst: cfg.RateBurst},
	}
}

func sweeperConfig(cfg config.DeliveryConfig) delivery.SweeperConfig {
	return delivery.SweeperConfig{
		Schedule:   cfg.SweepSchedule,
		StaleAfter: config.MustDuration(cfg.StaleAfter),
		BatchSize:  cfg.SweepBatch,
	}
}

func retryPolicy(cfg config.DeliveryConfig) (*delivery.Policy, error) {
	transient, err := strategy(cfg.TransientBackoff)
	if err != nil {
		return nil, fmt.Errorf("delivery.transient_backoff: %w", err)
	}
	busy, err := strategy(cfg.BusyBackoff)
	if err != nil {
		return nil, fmt.Errorf("delivery.busy_backoff: %w", err)
	}
	soft, err := strategy(cfg.SoftBackoff)
	if err != nil {
		return nil, fmt.Errorf("delivery.soft_backoff: %w", err)
	}
	return delivery.NewPolicy(
		delivery.WithMaxRetries(cfg.MaxRetries),
		delivery.WithTransientBackoff(transient),
		delivery.WithBusyBackoff(busy),
		delivery.WithSoftBackoff(soft),
	), nil
}

func strategy(cfg config.BackoffConfig) (backoff.Strategy, error) {
	return backoff.Parse(cfg.Strategy, config.MustDuration(cfg.Initial), config.MustDuration(cfg.Max))
}

// eventBuffer is how many events a slow stream client may lag behind.
const eventBuffer = 256

// runtime is the in-process delivery machinery around a controller.
type runtime struct {
	bus        *events.Bus
	broker     *delivery.Broker
	controller *executor.Controller
	pool       *delivery.Pool
	sweeper    *delivery.Sweeper
}

func newRuntime(a *app) (*runtime, error) {
	policy, err := retryPolicy(a.cfg.Delivery)
	if err != nil {
		return nil, err
	}
	bus := events.New(eventBuffer)
	broker := delivery.NewBroker(brokerConfig(a.cfg.Delivery), a.logger)
	sched := delivery.NewTrackingScheduler(broker, a.store, a.logger)
	ctl := executor.NewController(a.store, a.graphs, sched, executorConfig(a.cfg.Executor), a.logger)
	ctl.SetPublisher(bus)
	retrier := delivery.NewRetrier(policy, sched, a.store, a.logger)
	retrier.SetPublisher(bus)
	pool := delivery.NewPool(broker, ctl, retrier, poolConfig(a.cfg.Delivery), a.logger)
	sweeper, err := delivery.NewSweeper(a.store, sched, sweeperConfig(a.cfg.Delivery), a.logger)
	if err != nil {
		_ = broker.Close()
		return nil, err
	}
	a.closers = append(a.closers, broker.Close, func() error { bus.Close(); return nil })
	return &runtime{bus: bus, broker: broker, controller: ctl, pool: pool, sweeper: sweeper}, nil
}

// waitForSubscribers blocks until the pool has subscribed to the broker.
// Deliveries published before then would be dropped.
func (r *runtime) waitForSubscribers(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for r.broker.Subscribers() == 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
