package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/stepwise/internal/adapters/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Apply the schema migrations that have not run yet against the configured
store. Running it again is a no-op.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if cfg.Store.Driver == store.DriverMemory {
		fmt.Fprintln(out, "The memory store has no schema to migrate.")
		return nil
	}

	logger, closeLog, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closeLog()

	sc := storeConfig(cfg.Store)
	sc.Migrate = false
	s, err := store.OpenSQL(ctx, sc, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	version, err := s.Migrate(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Schema is at version %d (%s)\n", version, s.Dialect().Name())
	return nil
}
