package cmd

import (
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and health",
	RunE: func(_ *cobra.Command, _ []string) error {
		return callAndPrint("daemon.status", nil)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon gracefully",
	RunE: func(_ *cobra.Command, _ []string) error {
		return callAndPrint("daemon.stop", nil)
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the daemon's configuration",
	RunE: func(_ *cobra.Command, _ []string) error {
		return callAndPrint("daemon.reload", nil)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check daemon health",
	RunE: func(_ *cobra.Command, _ []string) error {
		return callAndPrint("health.check", nil)
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Dump daemon metrics",
	RunE: func(_ *cobra.Command, _ []string) error {
		return callAndPrint("metrics.get", nil)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, stopCmd, reloadCmd, healthCmd, metricsCmd)
}
