package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/stepwise/internal/api"
	"github.com/hugo-lorenzo-mato/stepwise/internal/core"
)

var redeliverCmd = &cobra.Command{
	Use:   "redeliver <task-id>",
	Short: "Deliver a pending task again",
	Long: `Ask a running worker to deliver a pending task again and clear its dead
letters. Use it after fixing whatever made the task exhaust its retries.

With --offline the dead letters are cleared directly in the store and the
task is left for the next sweep.`,
	Args: cobra.ExactArgs(1),
	RunE: runRedeliver,
}

var (
	redeliverOffline bool
	redeliverAddr    string
)

func init() {
	rootCmd.AddCommand(redeliverCmd)
	redeliverCmd.Flags().BoolVar(&redeliverOffline, "offline", false, "Clear dead letters without contacting a worker")
	redeliverCmd.Flags().StringVar(&redeliverAddr, "addr", "", "Worker API address (default: api.addr)")
}

func runRedeliver(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id := core.TaskID(args[0])
	out := cmd.OutOrStdout()

	if !redeliverOffline {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		addr := redeliverAddr
		if addr == "" {
			addr = cfg.API.Addr
		}
		task, err := api.NewClient(addr).Redeliver(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Redelivered task %s (%s)\n", task.ID, task.Node)
		return nil
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	task, err := a.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !task.IsPending() {
		return core.ErrState(core.CodeTaskNotPending, fmt.Sprintf("task %s is %s", id, task.Status))
	}
	if err := a.store.ClearDeadLetters(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(out, "Cleared dead letters for task %s, the next sweep will deliver it\n", id)
	return nil
}
