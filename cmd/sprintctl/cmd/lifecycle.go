package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// lifecycleCmd builds a `sprintctl <verb> <sprint-id>` command posting
// to /api/sprints/{id}/<path> with no body, one per spec.md §6's
// simple lifecycle-transition endpoints.
func lifecycleCmd(use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <sprint-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var out interface{}
			if err := apiPost(fmt.Sprintf("/api/sprints/%s/%s", args[0], path), nil, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(lifecycleCmd("start", "Start a created sprint (researching)", "start"))
	rootCmd.AddCommand(lifecycleCmd("approve", "Approve an awaiting-approval sprint's plan", "approve"))
	rootCmd.AddCommand(lifecycleCmd("pause", "Pause a running sprint", "pause"))
	rootCmd.AddCommand(lifecycleCmd("resume", "Resume a paused sprint", "resume"))
	rootCmd.AddCommand(lifecycleCmd("cancel", "Cancel a sprint", "cancel"))
	rootCmd.AddCommand(lifecycleCmd("restart", "Restart a sprint from its last persisted stage", "restart"))
	rootCmd.AddCommand(lifecycleCmd("complete", "Mark a pr-created sprint completed", "complete"))
	rootCmd.AddCommand(lifecycleCmd("merge-local", "Approve a pending local-merge request", "merge-local"))
}
