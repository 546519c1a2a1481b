package cmd

import (
	"github.com/spf13/cobra"
)

var (
	createSpecPath   string
	createTargetDir  string
	createDevCount   int
	createAutonomy   string
	createSprintID   string
	createSprintName string
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new sprint",
	RunE: func(_ *cobra.Command, _ []string) error {
		body := map[string]interface{}{
			"spec_path":  createSpecPath,
			"target_dir": createTargetDir,
		}
		if createDevCount > 0 {
			body["developer_count"] = createDevCount
		}
		if createAutonomy != "" {
			body["autonomy_mode"] = createAutonomy
		}
		if createSprintID != "" {
			body["sprint_id"] = createSprintID
		}
		if createSprintName != "" {
			body["name"] = createSprintName
		}

		var sp interface{}
		if err := apiPost("/api/sprints", body, &sp); err != nil {
			return err
		}
		printJSON(sp)
		return nil
	},
}

func init() {
	createCmd.Flags().StringVar(&createSpecPath, "spec", "", "path to the feature specification (required)")
	createCmd.Flags().StringVar(&createTargetDir, "target", "", "path to the target source tree (required)")
	createCmd.Flags().IntVar(&createDevCount, "developers", 0, "number of developer slots (default: server's pool size)")
	createCmd.Flags().StringVar(&createAutonomy, "autonomy", "", "autonomy mode: supervised, semi-auto, or full-auto")
	createCmd.Flags().StringVar(&createSprintID, "id", "", "explicit sprint id (default: server-generated)")
	createCmd.Flags().StringVar(&createSprintName, "name", "", "display name")
	_ = createCmd.MarkFlagRequired("spec")
	_ = createCmd.MarkFlagRequired("target")
	rootCmd.AddCommand(createCmd)
}
