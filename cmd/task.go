package cmd

import (
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and control individual tasks",
}

var taskListFlags struct {
	status    string
	projectID string
	limit     int
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Inspect and scale the in-process worker pool",
}

var workerScaleCount int

func init() {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List live and archived tasks",
		RunE: func(_ *cobra.Command, _ []string) error {
			args := map[string]any{}
			if taskListFlags.status != "" {
				args["status"] = taskListFlags.status
			}
			if taskListFlags.projectID != "" {
				args["projectId"] = taskListFlags.projectID
			}
			if taskListFlags.limit > 0 {
				args["limit"] = taskListFlags.limit
			}
			return callAndPrint("task.list", args)
		},
	}
	listCmd.Flags().StringVar(&taskListFlags.status, "status", "", "filter by status")
	listCmd.Flags().StringVarP(&taskListFlags.projectID, "project", "p", "", "filter by project")
	listCmd.Flags().IntVar(&taskListFlags.limit, "limit", 0, "max results")

	byID := func(use, short, command string) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <task-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return callAndPrint(command, map[string]any{"taskId": args[0]})
			},
		}
	}

	taskCmd.AddCommand(
		listCmd,
		byID("status", "Show one task", "task.status"),
		byID("cancel", "Cancel a queued or processing task", "task.cancel"),
		byID("retry", "Re-queue a failed or cancelled task", "task.retry"),
	)
	rootCmd.AddCommand(taskCmd)

	workerStatusCmd := &cobra.Command{
		Use:   "status",
		Short: "List pool workers",
		RunE: func(_ *cobra.Command, _ []string) error {
			return callAndPrint("worker.status", nil)
		},
	}
	workerScaleCmd := &cobra.Command{
		Use:   "scale",
		Short: "Resize the worker pool",
		RunE: func(_ *cobra.Command, _ []string) error {
			return callAndPrint("worker.scale", map[string]any{"count": workerScaleCount})
		},
	}
	workerScaleCmd.Flags().IntVarP(&workerScaleCount, "count", "n", 0, "target worker count")
	_ = workerScaleCmd.MarkFlagRequired("count")

	workerRestartCmd := &cobra.Command{
		Use:   "restart [worker-id]",
		Short: "Restart one worker, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			payload := map[string]any{}
			if len(args) == 1 {
				payload["workerId"] = args[0]
			}
			return callAndPrint("worker.restart", payload)
		},
	}

	workerCmd.AddCommand(workerStatusCmd, workerScaleCmd, workerRestartCmd)
	rootCmd.AddCommand(workerCmd)
}
