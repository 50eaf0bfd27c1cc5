package cmd

import (
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and control the task queue",
}

var enqueueFlags struct {
	projectID string
	issueID   int64
	taskType  string
	priority  int
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Add a task to the queue",
	RunE: func(_ *cobra.Command, _ []string) error {
		return callAndPrint("queue.enqueue", map[string]any{
			"projectId": enqueueFlags.projectID,
			"issueId":   enqueueFlags.issueID,
			"type":      enqueueFlags.taskType,
			"priority":  enqueueFlags.priority,
		})
	},
}

var queueClearStatus string

func init() {
	enqueueCmd.Flags().StringVarP(&enqueueFlags.projectID, "project", "p", "", "project id")
	enqueueCmd.Flags().Int64VarP(&enqueueFlags.issueID, "issue", "i", 0, "issue number")
	enqueueCmd.Flags().StringVarP(&enqueueFlags.taskType, "type", "t", "", "task type")
	enqueueCmd.Flags().IntVar(&enqueueFlags.priority, "priority", 50, "priority 0-100")
	_ = enqueueCmd.MarkFlagRequired("project")
	_ = enqueueCmd.MarkFlagRequired("issue")
	_ = enqueueCmd.MarkFlagRequired("type")

	queueStatusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue counters",
		RunE: func(_ *cobra.Command, _ []string) error {
			return callAndPrint("queue.status", nil)
		},
	}
	queuePauseCmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause task handout",
		RunE: func(_ *cobra.Command, _ []string) error {
			return callAndPrint("queue.pause", nil)
		},
	}
	queueResumeCmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume task handout",
		RunE: func(_ *cobra.Command, _ []string) error {
			return callAndPrint("queue.resume", nil)
		},
	}
	queueStatsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-project queue statistics",
		RunE: func(_ *cobra.Command, _ []string) error {
			return callAndPrint("queue.stats", nil)
		},
	}
	queueClearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove queued tasks",
		RunE: func(_ *cobra.Command, _ []string) error {
			args := map[string]any{}
			if queueClearStatus != "" {
				args["status"] = queueClearStatus
			}
			return callAndPrint("queue.clear", args)
		},
	}
	queueClearCmd.Flags().StringVar(&queueClearStatus, "status", "", "only clear tasks with this status")

	queueCmd.AddCommand(queueStatusCmd, queuePauseCmd, queueResumeCmd, queueStatsCmd, queueClearCmd)
	rootCmd.AddCommand(queueCmd, enqueueCmd)
}
