package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lexledger/lexmigrate/internal/auditlog"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show the migration audit log",
	Long: `Display the newest entries of the migration audit log stored in the target
database.

Examples:
  lexmigrate logs                        # last 100 entries
  lexmigrate logs -n 20 --level error    # last 20 errors
  lexmigrate logs --phase users_migrated`,
	RunE: runLogs,
}

func init() {
	addConnectionFlags(logsCmd)
	logsCmd.Flags().IntP("lines", "n", 100, "Number of entries to show")
	logsCmd.Flags().String("level", "", "Filter by level (debug, info, warn, error)")
	logsCmd.Flags().String("phase", "", "Filter by migration phase")
}

func runLogs(cmd *cobra.Command, args []string) error {
	lines, _ := cmd.Flags().GetInt("lines")
	level, _ := cmd.Flags().GetString("level")
	phase, _ := cmd.Flags().GetString("phase")

	filter := auditlog.Filter{Phase: phase, Level: auditlog.Level(level), Limit: lines}
	if filter.Level != "" && !filter.Level.Valid() {
		return fmt.Errorf("invalid --level %q; must be one of: debug, info, warn, error", level)
	}

	return withEnv(cmd, func(ctx context.Context, e *env) error {
		entries, err := e.logs.List(ctx, filter)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			if entries == nil {
				entries = []auditlog.Entry{}
			}
			return writeJSON(cmd.OutOrStdout(), entries)
		}
		w, c := cmd.OutOrStdout(), colorEnabled()
		// Oldest first reads naturally in a terminal.
		for i := len(entries) - 1; i >= 0; i-- {
			fmt.Fprintln(w, formatEntry(entries[i], c))
		}
		return nil
	})
}

func formatEntry(e auditlog.Entry, c bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s %s", dim(formatTime(e.At), c), levelTag(e.Level, c), cyan(e.Operation, c), e.Message)
	if e.Phase != "" {
		b.WriteString(dim(" phase="+e.Phase, c))
	}
	if e.DurationMs > 0 {
		b.WriteString(dim(fmt.Sprintf(" %dms", e.DurationMs), c))
	}
	if e.Remediation != "" {
		b.WriteString("\n    " + dim("hint: "+e.Remediation, c))
	}
	return b.String()
}
