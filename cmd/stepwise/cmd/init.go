package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/stepwise/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write the default configuration to .stepwise.yaml in the current
directory. Every value it contains is also the built-in default.`,
	RunE: runInit,
}

var (
	initForce bool
	initPath  string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing configuration")
	initCmd.Flags().StringVar(&initPath, "path", "", "Write to this file instead of ./.stepwise.yaml")
}

func runInit(cmd *cobra.Command, _ []string) error {
	configPath := initPath
	if configPath == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting current directory: %w", err)
		}
		configPath = filepath.Join(cwd, ".stepwise.yaml")
	}

	if _, err := os.Stat(configPath); err == nil && !initForce {
		return fmt.Errorf("configuration already exists at %s, use --force to overwrite", configPath)
	}

	if err := config.AtomicWrite(configPath, []byte(config.DefaultConfigYAML)); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", configPath)
	fmt.Fprintln(cmd.OutOrStdout(), "Run 'stepwise migrate' to create the database schema.")
	return nil
}
