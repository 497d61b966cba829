package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/flowrun/config"
	"github.com/dshills/flowrun/flow"
	"github.com/dshills/flowrun/log"
	"github.com/dshills/flowrun/nodes"
)

// runOptions defines flags for the `run` command.
type runOptions struct {
	configPath string
	question   string
	endNodes   []string
	startNodes []string
	vars       map[string]string
	verbose    bool
}

func (o *runOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.configPath, "config", "c", "", "path of the YAML configuration file (engine settings and credentials)")
	cmd.Flags().StringVarP(&o.question, "question", "q", "", "value of {{question}}")
	cmd.Flags().StringSliceVar(&o.endNodes, "end", nil, "ending node ids; the run is limited to their dependencies")
	cmd.Flags().StringSliceVar(&o.startNodes, "start", nil, "starting node ids, overriding discovery")
	cmd.Flags().StringToStringVar(&o.vars, "var", nil, "run variables as key=value")
	cmd.Flags().BoolVarP(&o.verbose, "verbose", "v", false, "print every node result instead of the last one")
}

type runOutput struct {
	RunID   string                 `json:"runId"`
	FlowID  string                 `json:"flowId"`
	Status  flow.Status            `json:"status"`
	Results []flow.ExecutionResult `json:"results,omitempty"`
	Last    *flow.ExecutionResult  `json:"last,omitempty"`
}

func (o *runOptions) run(cmd *cobra.Command, path string) error {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return err
		}
	}
	log.SetLevel(cfg.Log.Level)

	f, err := config.LoadFlow(path)
	if err != nil {
		return err
	}

	logger := log.New(cmd.ErrOrStderr(), cfg.Log.JSON)
	engine, err := newEngine(cfg, logger, nil, nil)
	if err != nil {
		return err
	}

	vars := map[string]any{"question": o.question}
	for k, v := range o.vars {
		vars[k] = v
	}

	res, err := engine.Execute(cmd.Context(), flow.ExecuteRequest{
		Flow:         f,
		EndNodeIDs:   o.endNodes,
		StartNodeIDs: o.startNodes,
		Vars:         vars,
		ReturnLast:   true,
	})
	if res == nil {
		return err
	}

	out := runOutput{RunID: res.RunID, FlowID: res.FlowID, Status: res.Status, Last: res.Last}
	if o.verbose {
		out.Results = res.Log
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if eerr := enc.Encode(out); eerr != nil {
		return eerr
	}
	if err != nil {
		return err
	}
	if res.Status != flow.StatusFinished {
		return fmt.Errorf("flow %s finished with status %s", res.FlowID, res.Status)
	}
	return nil
}

func newRunCmd() *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <flow-file>",
		Short: "Run a flow once and print its result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, args[0])
		},
	}
	o.addFlags(cmd)
	return cmd
}

func newNodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List the built-in node types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg := flow.NewRegistry()
			if err := nodes.Register(reg, nodes.WithLogger(log.Nop())); err != nil {
				return err
			}
			for _, name := range reg.Names() {
				d, _ := reg.Get(name)
				meta := d.Metadata()
				fmt.Fprintf(cmd.OutOrStdout(), "%-14s %-8s %s\n", name, meta.Type, strings.TrimSpace(meta.Description))
			}
			return nil
		},
	}
}
