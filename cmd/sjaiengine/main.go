package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sjaiengine",
	Short: "sjaiengine - camera stream analysis engine",
	Long: `sjaiengine pulls camera tasks from the management platform, runs a detection
worker per stream and reports presence alerts back to the platform.`,
	SilenceUsage: true,
}

var (
	apiAddr string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7466", "API server address")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(alertsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
