package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "flowd",
		Short:        "Run node flows on schedules, webhooks and on demand",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newRunCmd(), newNodesCmd())
	return root
}
