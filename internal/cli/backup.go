package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lexledger/lexmigrate/internal/cli/ui"
	"github.com/lexledger/lexmigrate/internal/migrate"
	"github.com/lexledger/lexmigrate/internal/orchestrator"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create, verify and restore backups of the migration tables",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Snapshot the migration tables into the backup store",
	RunE:  runBackupCreate,
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups, newest first",
	RunE:  runBackupList,
}

var backupShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a backup and its table manifest",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupShow,
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a backup and its payload",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupDelete,
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify <id>",
	Short: "Check a backup payload against its recorded checksum and size",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupVerify,
}

var backupRollbackCmd = &cobra.Command{
	Use:   "rollback <id>",
	Short: "Restore the migration tables from a backup",
	Long: `Verify a backup and restore the migration tables from it. Unless disabled
with backup.safety_backup = false, the current data is backed up first.`,
	Args: cobra.ExactArgs(1),
	RunE: runBackupRollback,
}

func init() {
	addConnectionFlags(backupCmd)

	backupCreateCmd.Flags().StringP("description", "d", "", "Free-text description")
	backupDeleteCmd.Flags().Bool("yes", false, "Skip the confirmation prompt")
	backupRollbackCmd.Flags().Bool("yes", false, "Skip the confirmation prompt")

	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupShowCmd)
	backupCmd.AddCommand(backupDeleteCmd)
	backupCmd.AddCommand(backupVerifyCmd)
	backupCmd.AddCommand(backupRollbackCmd)
}

func runBackupCreate(cmd *cobra.Command, args []string) error {
	desc, _ := cmd.Flags().GetString("description")
	return withEnv(cmd, func(ctx context.Context, e *env) error {
		sp := ui.NewStep(cmd.ErrOrStderr(), !colorEnabled() || jsonOutput(cmd))
		sp.Start("Creating backup...")
		res, err := e.svc.CreateCompleteBackup(ctx, desc)
		if err != nil {
			sp.Fail()
			return err
		}
		sp.Done()
		if jsonOutput(cmd) {
			return writeJSON(cmd.OutOrStdout(), res)
		}
		w, c := cmd.OutOrStdout(), colorEnabled()
		fmt.Fprintf(w, "Backup %s: %d rows, %s in %dms\n",
			bold(res.Backup.ID, c), res.Backup.RowCount(), migrate.FormatBytes(res.Backup.SizeBytes), res.DurationMs)
		for _, warn := range res.Warnings {
			fmt.Fprintf(w, "  %s %s\n", yellow(ui.SymbolWarning, c), warn)
		}
		return nil
	})
}

func runBackupList(cmd *cobra.Command, args []string) error {
	return withEnv(cmd, func(ctx context.Context, e *env) error {
		backups, err := e.svc.ListBackups(ctx)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			if backups == nil {
				backups = []*orchestrator.Backup{}
			}
			return writeJSON(cmd.OutOrStdout(), backups)
		}
		if len(backups) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No backups stored.")
			return nil
		}
		return printBackups(cmd.OutOrStdout(), backups)
	})
}

func runBackupShow(cmd *cobra.Command, args []string) error {
	return withEnv(cmd, func(ctx context.Context, e *env) error {
		b, err := e.svc.GetBackup(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return writeJSON(cmd.OutOrStdout(), b)
		}
		return printBackup(cmd.OutOrStdout(), b)
	})
}

func runBackupDelete(cmd *cobra.Command, args []string) error {
	yes, _ := cmd.Flags().GetBool("yes")
	if !yes && !confirm(cmd, fmt.Sprintf("Delete backup %s?", args[0])) {
		return nil
	}
	return withEnv(cmd, func(ctx context.Context, e *env) error {
		if err := e.svc.DeleteBackup(ctx, args[0]); err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return writeJSON(cmd.OutOrStdout(), map[string]any{"deleted": args[0]})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted backup %s\n", green(ui.SymbolCheck, colorEnabled()), args[0])
		return nil
	})
}

func runBackupVerify(cmd *cobra.Command, args []string) error {
	return withEnv(cmd, func(ctx context.Context, e *env) error {
		report, err := e.svc.ValidateBackupIntegrity(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return writeJSON(cmd.OutOrStdout(), report)
		}
		w, c := cmd.OutOrStdout(), colorEnabled()
		fmt.Fprintf(w, "%s backup %s\n", passFail(report.Valid, c), report.BackupID)
		fmt.Fprintf(w, "  checksum  expected %s, actual %s\n", shortID(report.ExpectedChecksum), shortID(report.ActualChecksum))
		fmt.Fprintf(w, "  size      expected %s, actual %s\n", migrate.FormatBytes(report.ExpectedSize), migrate.FormatBytes(report.ActualSize))
		for _, issue := range report.Issues {
			fmt.Fprintf(w, "  %s %s\n", red(ui.SymbolCross, c), issue)
		}
		if !report.Valid {
			return fmt.Errorf("backup %s failed integrity verification", report.BackupID)
		}
		return nil
	})
}

func runBackupRollback(cmd *cobra.Command, args []string) error {
	yes, _ := cmd.Flags().GetBool("yes")
	if !yes && !confirm(cmd, fmt.Sprintf("Restore backup %s? Current data in the migration tables will be replaced.", args[0])) {
		return nil
	}
	return withEnv(cmd, func(ctx context.Context, e *env) error {
		res, err := e.svc.RollbackToBackup(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return writeJSON(cmd.OutOrStdout(), res)
		}
		printRollback(cmd.OutOrStdout(), res, colorEnabled())
		return nil
	})
}
