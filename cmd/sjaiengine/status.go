package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine health",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	h, err := CheckHealth()
	if h == nil {
		return err
	}

	fmt.Printf("OK:       %t\n", h.OK)
	fmt.Printf("DB:       %s\n", h.DB)
	fmt.Printf("Version:  %s\n", h.Version)
	fmt.Printf("Tasks:    %d\n", h.Stats.Tasks)
	fmt.Printf("Workers:  %d (%d running, %d pending, %d skipped)\n",
		h.Stats.Workers, h.Stats.Running, h.Stats.Pending, h.Stats.Skipped)
	if h.Stats.MaxWorkers > 0 {
		fmt.Printf("Limit:    %d\n", h.Stats.MaxWorkers)
	}
	if h.Stats.StaleTasks {
		fmt.Println("Task set: stale (restored, platform not reached yet)")
	}
	return err
}
