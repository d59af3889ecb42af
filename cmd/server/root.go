package main

import (
	"github.com/spf13/cobra"
)

// newRootCmd builds the gonotify command tree.
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "gonotify",
		Short: "Authenticated WebSocket notification server",
		Long: `gonotify keeps one authenticated WebSocket connection per user and lets
other services push messages to them over HTTP.

Settings come from built-in defaults, an optional YAML file (--config), a .env
file in the working directory, and environment variables, in that order.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newTokenCmd(&configPath))
	root.AddCommand(newHashPasswordCmd())
	return root
}
