package cli

import (
	"github.com/spf13/cobra"

	"peg-keeper/internal/app"
)

var runDryRun bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the keeper loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context(), app.RunOptions{DryRun: runDryRun})
	},
}

func init() {
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Decide and build calls but never submit transactions")
}
