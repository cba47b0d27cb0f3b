package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/stepwise/internal/demo"
	"github.com/hugo-lorenzo-mato/stepwise/internal/graph"
)

var graphsCmd = &cobra.Command{
	Use:   "graphs",
	Short: "List the bundled workflow graphs",
	RunE:  runGraphs,
}

func init() {
	rootCmd.AddCommand(graphsCmd)
}

func runGraphs(cmd *cobra.Command, _ []string) error {
	reg := graph.NewRegistry()
	if err := demo.Register(reg); err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tNODE\tSUCCESSORS")
	for _, typ := range reg.Types() {
		g, err := reg.Get(typ)
		if err != nil {
			return err
		}
		start, _ := g.Start()
		for _, name := range g.Nodes() {
			label := name
			if start != nil && name == start.Name {
				label += " (start)"
			}
			var next []string
			for _, n := range g.Declared(name) {
				next = append(next, n.Name)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", typ, label, strings.Join(next, ", "))
		}
	}
	return w.Flush()
}
