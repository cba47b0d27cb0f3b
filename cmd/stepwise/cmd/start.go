package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/stepwise/internal/api"
	"github.com/hugo-lorenzo-mato/stepwise/internal/core"
	"github.com/hugo-lorenzo-mato/stepwise/internal/service/executor"
)

var startCmd = &cobra.Command{
	Use:   "start <workflow-type>",
	Short: "Start a workflow",
	Long: `Start a workflow of a registered type.

By default the workflow runs in this process until it is no longer active,
and its final state is printed. With --remote the workflow is created
through a running worker's API instead. With --detach it is only stored,
and a worker's sweeper picks it up.

Data values given with --data are parsed as YAML scalars, so count=3 is a
number and ok=true is a boolean.

Examples:
  stepwise start greeting --data name=ada
  stepwise start countdown --data count=5 -o json
  stepwise start greeting --data-json '{"name":"ada"}' --remote`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

var (
	startData     []string
	startDataJSON string
	startRemote   bool
	startDetach   bool
	startAddr     string
	startWait     time.Duration
	startOutput   string
)

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().StringArrayVar(&startData, "data", nil, "Workflow data as key=value (repeatable)")
	startCmd.Flags().StringVar(&startDataJSON, "data-json", "", "Workflow data as a JSON object")
	startCmd.Flags().BoolVar(&startRemote, "remote", false, "Create the workflow through a running worker")
	startCmd.Flags().BoolVar(&startDetach, "detach", false, "Store the workflow without running it")
	startCmd.Flags().StringVar(&startAddr, "addr", "", "Worker API address (default: api.addr)")
	startCmd.Flags().DurationVar(&startWait, "wait", time.Minute, "How long to run the workflow in this process")
	startCmd.Flags().StringVarP(&startOutput, "output", "o", outputYAML, "Output format (yaml, json)")
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	data, err := parseData(startData, startDataJSON)
	if err != nil {
		return err
	}

	if startRemote {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		addr := startAddr
		if addr == "" {
			addr = cfg.API.Addr
		}
		resp, err := api.NewClient(addr).StartWorkflow(ctx, args[0], data)
		if err != nil {
			return err
		}
		return writeOutput(cmd.OutOrStdout(), startOutput, resp.Workflow)
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if startDetach {
		ctl := executor.NewController(a.store, a.graphs, nil, executorConfig(a.cfg.Executor), a.logger)
		wf, first, err := ctl.StartWorkflow(ctx, args[0], data)
		if err != nil {
			return err
		}
		return writeOutput(cmd.OutOrStdout(), startOutput, api.NewWorkflowView(wf, []*core.Task{first}))
	}

	view, err := runLocal(ctx, a, args[0], data, startWait)
	if view != nil {
		if werr := writeOutput(cmd.OutOrStdout(), startOutput, view); werr != nil {
			return werr
		}
	}
	return err
}

// runLocal runs a workflow on an in-process pool until it leaves the active
// state or wait elapses.
func runLocal(ctx context.Context, a *app, workflowType string, data map[string]any, wait time.Duration) (*api.WorkflowView, error) {
	rt, err := newRuntime(a)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	poolDone := make(chan error, 1)
	go func() { poolDone <- rt.pool.Run(runCtx) }()
	defer func() {
		cancel()
		<-poolDone
	}()

	if err := rt.waitForSubscribers(runCtx); err != nil {
		return nil, fmt.Errorf("waiting for workers: %w", err)
	}
	wf, _, err := rt.controller.StartWorkflow(runCtx, workflowType, data)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		view, err := workflowView(ctx, a.store, wf.ID)
		if err != nil {
			return nil, err
		}
		if view.State != core.WorkflowStateActive {
			return view, nil
		}
		select {
		case <-runCtx.Done():
			return view, fmt.Errorf("workflow %s still active after %s", wf.ID, wait)
		case <-ticker.C:
		}
	}
}

func workflowView(ctx context.Context, s core.Store, id core.WorkflowID) (*api.WorkflowView, error) {
	wf, err := s.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	tasks, err := s.ListTasks(ctx, id)
	if err != nil {
		return nil, err
	}
	view := api.NewWorkflowView(wf, tasks)
	return &view, nil
}

// parseData merges a JSON object with key=value pairs. Pairs win.
func parseData(pairs []string, rawJSON string) (map[string]any, error) {
	data := make(map[string]any)
	if rawJSON != "" {
		if err := json.Unmarshal([]byte(rawJSON), &data); err != nil {
			return nil, fmt.Errorf("--data-json: %w", err)
		}
	}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("--data %q: expected key=value", pair)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		data[key] = value
	}
	return data, nil
}
