package cli

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
)

var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

// SetVersion is called from main to inject build-time version info.
func SetVersion(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date
}

var rootCmd = &cobra.Command{
	Use:   "lexmigrate",
	Short: "lexmigrate: move a Supabase project onto Prisma-managed Postgres",
	Long: `lexmigrate extracts the legacy schema from Supabase migrations, generates a
Prisma schema, migrates auth accounts and drives the cutover through validated
phases with checkpoints, backups and rollback.

Get started:
  lexmigrate config init
  lexmigrate schema extract --validate
  lexmigrate phase status`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to lexmigrate.toml (default ./lexmigrate.toml)")
	rootCmd.PersistentFlags().Bool("json", false, "Output in JSON format")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(phaseCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	initHelp()
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// addConnectionFlags registers the database overrides on cmd and its
// subcommands.
func addConnectionFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("legacy-url", "", "Legacy Supabase Postgres URL (overrides legacy.database_url)")
	cmd.PersistentFlags().String("target-url", "", "Target Postgres URL (overrides target.database_url)")
}
