package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/lexledger/lexmigrate/internal/cli/ui"
	"github.com/lexledger/lexmigrate/internal/migrate"
	"github.com/lexledger/lexmigrate/internal/orchestrator"
)

const timeLayout = "2006-01-02 15:04:05"

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printValidation(w io.Writer, res orchestrator.ValidationResults, c bool) {
	for _, check := range res.Checks {
		line := fmt.Sprintf("  %s %s", passFail(check.Passed, c), check.Name)
		if check.Message != "" {
			line += "  " + dim(check.Message, c)
		}
		fmt.Fprintln(w, line)
	}
	for _, warn := range res.Warnings {
		fmt.Fprintf(w, "  %s %s\n", yellow(ui.SymbolWarning, c), warn)
	}
}

func printBackups(w io.Writer, backups []*orchestrator.Backup) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tKIND\tPHASE\tSTATUS\tROWS\tSIZE\tCREATED\tDESCRIPTION")
	for _, b := range backups {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			b.ID, b.Kind, b.Phase, b.Status, b.RowCount(), migrate.FormatBytes(b.SizeBytes), formatTime(b.CreatedAt), b.Description)
	}
	return tw.Flush()
}

func printBackup(w io.Writer, b *orchestrator.Backup) error {
	tw := newTable(w)
	fmt.Fprintf(tw, "ID:\t%s\n", b.ID)
	fmt.Fprintf(tw, "Kind:\t%s\n", b.Kind)
	fmt.Fprintf(tw, "Phase:\t%s\n", b.Phase)
	fmt.Fprintf(tw, "Status:\t%s\n", b.Status)
	if b.Description != "" {
		fmt.Fprintf(tw, "Description:\t%s\n", b.Description)
	}
	fmt.Fprintf(tw, "Size:\t%s\n", migrate.FormatBytes(b.SizeBytes))
	fmt.Fprintf(tw, "Checksum:\t%s\n", b.Checksum)
	fmt.Fprintf(tw, "Location:\t%s\n", b.Location)
	fmt.Fprintf(tw, "Created:\t%s\n", formatTime(b.CreatedAt))
	for _, t := range b.Tables {
		fmt.Fprintf(tw, "  %s\t%d rows\n", t.Name, t.Rows)
	}
	return tw.Flush()
}

func printCheckpoints(w io.Writer, cps []*orchestrator.Checkpoint, c bool) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tNAME\tPHASE\tVALID\tBACKUP\tCREATED")
	for _, cp := range cps {
		backup := "-"
		if cp.BackupID != "" {
			backup = shortID(cp.BackupID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			cp.ID, cp.Name, cp.Phase, passFail(cp.Validation.Valid, c), backup, formatTime(cp.CreatedAt))
	}
	return tw.Flush()
}

func printRollback(w io.Writer, res *orchestrator.RollbackResult, c bool) {
	fmt.Fprintf(w, "%s Restored %d rows in %d tables from backup %s\n",
		green(ui.SymbolCheck, c), res.RowsRestored, res.TablesRestored, res.BackupID)
	if res.SafetyBackupID != "" {
		fmt.Fprintf(w, "  Safety backup: %s\n", res.SafetyBackupID)
	}
	if res.Phase != "" {
		fmt.Fprintf(w, "  Phase is now %s\n", bold(string(res.Phase), c))
	}
}
