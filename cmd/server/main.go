// Command server runs the realtime connection broker.
//
//	server serve --config broker.yaml
//	server version
package main

import (
	"fmt"

	"realtime-broker/pkg/logger"

	"github.com/spf13/cobra"
)

// Populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		logger.Fatal("Command failed: %v", err)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "server",
		Short:        "Realtime WebSocket connection broker",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "server %s (commit: %s, built: %s)\n", version, commit, date)
			return err
		},
	}
}
