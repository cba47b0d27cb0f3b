package cmd

import (
	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/stepwise/internal/api"
	"github.com/hugo-lorenzo-mato/stepwise/internal/core"
)

var statusCmd = &cobra.Command{
	Use:   "status <workflow-id>",
	Short: "Show a workflow and its tasks",
	Long: `Show a workflow's data, its derived state (active, stuck or finished)
and every task created for it.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

var (
	statusRemote bool
	statusAddr   string
	statusOutput string
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusRemote, "remote", false, "Read through a running worker's API")
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "Worker API address (default: api.addr)")
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", outputYAML, "Output format (yaml, json)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id := core.WorkflowID(args[0])

	if statusRemote {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		addr := statusAddr
		if addr == "" {
			addr = cfg.API.Addr
		}
		view, err := api.NewClient(addr).Workflow(ctx, id)
		if err != nil {
			return err
		}
		return writeOutput(cmd.OutOrStdout(), statusOutput, view)
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	view, err := workflowView(ctx, a.store, id)
	if err != nil {
		return err
	}
	return writeOutput(cmd.OutOrStdout(), statusOutput, view)
}
