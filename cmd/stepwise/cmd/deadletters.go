package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/stepwise/internal/api"
)

var deadLettersCmd = &cobra.Command{
	Use:     "dead-letters",
	Aliases: []string{"dlq"},
	Short:   "List deliveries that exhausted their retries",
	Long: `List the most recent dead letters. Each records a task whose delivery
was given up on, how many retries it had and why. The task itself stays
pending; 'stepwise redeliver <task-id>' tries it again.`,
	RunE: runDeadLetters,
}

var (
	deadLettersLimit  int
	deadLettersOutput string
)

func init() {
	rootCmd.AddCommand(deadLettersCmd)
	deadLettersCmd.Flags().IntVar(&deadLettersLimit, "limit", 50, "Maximum entries to show")
	deadLettersCmd.Flags().StringVarP(&deadLettersOutput, "output", "o", outputTable, "Output format (table, yaml, json)")
}

func runDeadLetters(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if deadLettersLimit < 1 {
		return fmt.Errorf("--limit must be positive")
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	dls, err := a.store.ListDeadLetters(ctx, deadLettersLimit)
	if err != nil {
		return err
	}
	views := api.NewDeadLetterViews(dls)

	out := cmd.OutOrStdout()
	if deadLettersOutput != outputTable {
		return writeOutput(out, deadLettersOutput, views)
	}
	if len(views) == 0 {
		fmt.Fprintln(out, "No dead letters.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tWORKFLOW\tRETRIES\tCREATED\tREASON")
	for _, v := range views {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			v.TaskID, v.WorkflowID, v.Retries, v.CreatedAt.Format("2006-01-02 15:04:05"), truncate(v.Reason, 80))
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
