package cmd

import (
	"github.com/spf13/cobra"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage scheduled projects",
}

var projectAddFlags struct {
	name     string
	path     string
	priority int
	weight   float64
	cpu      string
	memory   string
	maxConc  int
	elastic  bool
}

func init() {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered projects",
		RunE: func(_ *cobra.Command, _ []string) error {
			return callAndPrint("project.list", nil)
		},
	}

	addCmd := &cobra.Command{
		Use:   "add <project-id>",
		Short: "Register a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			f := projectAddFlags
			payload := map[string]any{
				"projectId": args[0],
				"name":      f.name,
				"path":      f.path,
				"priority":  f.priority,
				"weight":    f.weight,
			}
			if f.cpu != "" || f.memory != "" || f.maxConc > 0 {
				payload["quota"] = map[string]any{
					"cpu":           f.cpu,
					"memory":        f.memory,
					"maxConcurrent": f.maxConc,
					"elastic":       f.elastic,
				}
			}
			return callAndPrint("project.add", payload)
		},
	}
	addCmd.Flags().StringVar(&projectAddFlags.name, "name", "", "display name")
	addCmd.Flags().StringVar(&projectAddFlags.path, "path", "", "project path")
	addCmd.Flags().IntVar(&projectAddFlags.priority, "priority", 50, "quota priority 0-100")
	addCmd.Flags().Float64Var(&projectAddFlags.weight, "weight", 1, "scheduling weight")
	addCmd.Flags().StringVar(&projectAddFlags.cpu, "cpu", "", `cpu quota ("2.0" or "1500m")`)
	addCmd.Flags().StringVar(&projectAddFlags.memory, "memory", "", `memory quota ("4Gi")`)
	addCmd.Flags().IntVar(&projectAddFlags.maxConc, "max-concurrent", 0, "max concurrent tasks")
	addCmd.Flags().BoolVar(&projectAddFlags.elastic, "elastic", false, "allow borrowing idle capacity")

	single := func(use, short, command string) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <project-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return callAndPrint(command, map[string]any{"projectId": args[0]})
			},
		}
	}

	projectCmd.AddCommand(
		listCmd,
		addCmd,
		single("remove", "Unregister a project", "project.remove"),
		single("start", "Enable a project", "project.start"),
		single("stop", "Disable a project (running tasks finish)", "project.stop"),
		single("restart", "Disable then re-enable a project", "project.restart"),
	)
	rootCmd.AddCommand(projectCmd)
}
