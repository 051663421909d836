package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lexledger/lexmigrate/internal/cli/ui"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print lexmigrate version",
	RunE: func(cmd *cobra.Command, args []string) error {
		if jsonOutput(cmd) {
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"version": buildVersion,
				"commit":  buildCommit,
				"date":    buildDate,
			})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s lexmigrate %s (commit: %s, built: %s)\n", ui.BrandMark, buildVersion, buildCommit, buildDate)
		return nil
	},
}
