package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var retryCmd = &cobra.Command{
	Use:   "retry <sprint-id> <task-id>",
	Short: "Reset a failed task to pending and re-enqueue it",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		var out interface{}
		if err := apiPost(fmt.Sprintf("/api/tasks/%s/%s/retry", args[0], args[1]), nil, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(retryCmd)
}
