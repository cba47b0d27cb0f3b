package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/stepwise/internal/api"
	"github.com/hugo-lorenzo-mato/stepwise/internal/config"
	"github.com/hugo-lorenzo-mato/stepwise/internal/logging"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process tasks and serve the HTTP API",
	Long: `Run the worker pool, the stale task sweeper and the HTTP API until
interrupted.

Workflows started through the API are delivered to the pool at once.
Pending tasks whose delivery was lost, including those created by
'stepwise start --detach', are picked up by the sweeper.

Changes to the log level in the config file apply without a restart.

Examples:
  # Start with defaults (sqlite, 4 workers, API on 127.0.0.1:8080)
  stepwise worker

  # More workers, API disabled
  stepwise worker --concurrency 16 --no-api`,
	RunE: runWorker,
}

var workerNoAPI bool

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().Int("concurrency", 0, "Number of concurrent attempts (default from config)")
	workerCmd.Flags().String("addr", "", "API listen address (default from config)")
	workerCmd.Flags().BoolVar(&workerNoAPI, "no-api", false, "Do not serve the HTTP API")

	_ = viper.BindPFlag("delivery.concurrency", workerCmd.Flags().Lookup("concurrency"))
	_ = viper.BindPFlag("api.addr", workerCmd.Flags().Lookup("addr"))
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	rt, err := newRuntime(a)
	if err != nil {
		return err
	}

	a.loader.Watch(func(cfg *config.Config, err error) {
		if err != nil {
			a.logger.Warn("ignoring invalid config change", "error", err)
			return
		}
		if logging.ParseLevel(cfg.Log.Level) != a.logger.Level() {
			a.logger.SetLevel(cfg.Log.Level)
			a.logger.Info("log level changed", "level", cfg.Log.Level)
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.pool.Run(gctx)
	})
	g.Go(func() error {
		return rt.sweeper.Run(gctx)
	})
	g.Go(func() error {
		return initialSweep(gctx, rt, a)
	})

	if a.cfg.API.Enabled && !workerNoAPI {
		srv := api.NewServer(rt.controller, a.store,
			api.WithLogger(a.logger.Logger),
			api.WithCORSOrigins(a.cfg.API.CORSOrigins),
			api.WithGraphTypes(a.graphs.Types),
			api.WithStats(rt.pool.Stats),
			api.WithEvents(rt.bus),
		)
		g.Go(func() error {
			return srv.ListenAndServe(gctx, a.cfg.API.Addr)
		})
	}

	a.logger.Info("worker started",
		"version", GetVersion(),
		"config", a.loader.ConfigFile(),
		"store", a.cfg.Store.Driver,
		"concurrency", a.cfg.Delivery.Concurrency,
		"graphs", a.graphs.Types(),
	)
	if err := g.Wait(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	a.logger.Info("worker stopped", "stats", rt.pool.Stats(), "dropped_events", rt.bus.DroppedCount())
	return nil
}

// initialSweep redelivers stale tasks once the pool is listening, so work
// left by a previous run does not wait for the first cron tick.
func initialSweep(ctx context.Context, rt *runtime, a *app) error {
	if err := rt.waitForSubscribers(ctx); err != nil {
		return nil
	}
	if _, err := rt.sweeper.Sweep(ctx); err != nil {
		a.logger.Warn("initial sweep failed", "error", err)
	}
	return nil
}
