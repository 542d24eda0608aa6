package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaolou86/sjaiengine/internal/controlplane"
	"github.com/xiaolou86/sjaiengine/internal/models"
	"github.com/xiaolou86/sjaiengine/internal/orchestrator"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List the current camera tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show a task and its worker",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List stream workers",
	RunE:  runWorkers,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Pull the task list from the platform now",
	RunE:  runRefresh,
}

func init() {
	tasksCmd.AddCommand(taskShowCmd)
}

func runTaskList(cmd *cobra.Command, args []string) error {
	var tasks []models.Task
	if err := apiGet("/tasks", &tasks); err != nil {
		return err
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCAMERA\tALGORITHM\tSTREAM")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, camera(t), t.Algorithm, truncate(t.StreamURL, 50))
	}
	w.Flush()
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	var view controlplane.TaskView
	if err := apiGet("/tasks/"+args[0], &view); err != nil {
		return err
	}

	fmt.Printf("ID:         %s\n", view.ID)
	fmt.Printf("Camera:     %s (id %d)\n", camera(view.Task), view.CameraID)
	fmt.Printf("Algorithm:  %s\n", view.Algorithm)
	if view.Model != "" {
		fmt.Printf("Model:      %s\n", view.Model)
	}
	fmt.Printf("Stream:     %s\n", view.StreamURL)
	if view.Worker == nil {
		fmt.Println("Worker:     none")
		return nil
	}
	printWorker(view.Worker)
	return nil
}

func printWorker(wi *orchestrator.WorkerInfo) {
	fmt.Printf("Worker:     %s (run %s)\n", wi.State, truncateID(wi.RunID))
	fmt.Printf("Frames:     %d (%d detections, %d alerts)\n", wi.Stats.Frames, wi.Stats.Detections, wi.Stats.Alerts)
	fmt.Printf("Restarts:   %d\n", wi.Restarts)
	if wi.NextRestart != nil {
		fmt.Printf("Next start: %s\n", wi.NextRestart.Format(time.RFC3339))
	}
	if wi.Stats.LastError != "" {
		fmt.Printf("Last error: %s\n", wi.Stats.LastError)
	}
}

func runWorkers(cmd *cobra.Command, args []string) error {
	var workers []orchestrator.WorkerInfo
	if err := apiGet("/workers", &workers); err != nil {
		return err
	}

	if len(workers) == 0 {
		fmt.Println("No workers running")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tCAMERA\tSTATE\tFRAMES\tALERTS\tRESTARTS\tLAST ERROR")
	for _, wi := range workers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			wi.Task.ID, camera(wi.Task), wi.State, wi.Stats.Frames, wi.Stats.Alerts, wi.Restarts,
			truncate(wi.Stats.LastError, 40))
	}
	w.Flush()
	return nil
}

func runRefresh(cmd *cobra.Command, args []string) error {
	var res controlplane.RefreshResult
	if err := apiPost("/refresh", &res); err != nil {
		return err
	}

	fmt.Printf("Tasks: %d (+%d, -%d)\n", res.Tasks, len(res.Added), len(res.Removed))
	for _, t := range res.Added {
		fmt.Printf("  + %s %s %s\n", t.ID, camera(t), t.Algorithm)
	}
	for _, t := range res.Removed {
		fmt.Printf("  - %s %s %s\n", t.ID, camera(t), t.Algorithm)
	}
	return nil
}

// --- Helpers ---

func camera(t models.Task) string {
	if t.CameraName != "" {
		return t.CameraName + "@" + t.CameraIP
	}
	return t.CameraIP
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
