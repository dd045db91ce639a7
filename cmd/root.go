// Package cmd implements the ember CLI commands.
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	flagVerbose bool
	flagJSONLog bool
)

var rootCmd = &cobra.Command{
	Use:   "ember",
	Short: "Streaming conversational chat backend",
	Long: `Ember is a streaming conversational chat backend.

It serves websocket sessions that stream AI responses chunk by chunk,
with credential failover, deterministic response caching, and in-band
web search when the model asks for current information.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagJSONLog, "json-log", false, "log in JSON format")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}
