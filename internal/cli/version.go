package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"peg-keeper/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "pegkeeper %s\ncommit: %s\nbuilt: %s\n", version.String(), version.Commit, version.BuildDate)
	},
}
