package cmd

import (
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every sprint's summary",
	RunE: func(_ *cobra.Command, _ []string) error {
		var sprints interface{}
		if err := apiGet("/api/sprints", &sprints); err != nil {
			return err
		}
		printJSON(sprints)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <sprint-id>",
	Short: "Show a sprint's full detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		var sp interface{}
		if err := apiGet("/api/sprints/"+args[0], &sp); err != nil {
			return err
		}
		printJSON(sp)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(getCmd)
}
