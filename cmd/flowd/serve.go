package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/flowrun/config"
	"github.com/dshills/flowrun/log"
)

// serveOptions defines flags for the `serve` command.
type serveOptions struct {
	configPath string
	addr       string
	logLevel   string
	flowsDir   string
}

func (o *serveOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.configPath, "config", "c", "", "path of the YAML configuration file")
	cmd.Flags().StringVar(&o.addr, "addr", "", "listen address, overrides server.addr")
	cmd.Flags().StringVar(&o.logLevel, "log-level", "", "log level (debug|info|warn|error), overrides log.level")
	cmd.Flags().StringVar(&o.flowsDir, "flows", "", "flows directory, overrides flows_dir")
}

// complete merges the config file and the flags that were set.
func (o *serveOptions) complete(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return config.Config{}, err
		}
	}
	if cmd.Flags().Changed("addr") {
		cfg.Server.Addr = o.addr
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if cmd.Flags().Changed("flows") {
		cfg.FlowsDir = o.flowsDir
	}
	return cfg, cfg.Validate()
}

func (o *serveOptions) run(cmd *cobra.Command) error {
	cfg, err := o.complete(cmd)
	if err != nil {
		return err
	}

	log.SetLevel(cfg.Log.Level)
	logger := log.Default
	if cfg.Log.JSON {
		logger = log.New(os.Stdout, true)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	emitter, shutdownTracing, err := setupTracing(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.WithoutCancel(ctx)); err != nil {
			logger.Warnf("failed to shut down tracing: %v", err)
		}
	}()

	a, err := newApp(ctx, cfg, logger, emitter)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warnf("shutdown: %v", err)
		}
	}()

	err = a.serve(ctx)
	logger.Infof("flowd exits")
	return err
}

func newServeCmd() *cobra.Command {
	o := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the flow API and keep deployed flows listening",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.run(cmd)
		},
	}
	o.addFlags(cmd)
	return cmd
}
