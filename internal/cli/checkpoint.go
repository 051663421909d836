package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lexledger/lexmigrate/internal/cli/ui"
	"github.com/lexledger/lexmigrate/internal/orchestrator"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Record, inspect and roll back to validated checkpoints",
}

var checkpointCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Validate a phase and record a checkpoint",
	Long: `Run the phase validator and record the outcome as a checkpoint. A failing
validation is still recorded; it just cannot be used to advance.

Example:
  lexmigrate checkpoint create "schema ok" --phase schema_extracted`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckpointCreate,
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpoints, newest first",
	RunE:  runCheckpointList,
}

var checkpointValidateCmd = &cobra.Command{
	Use:   "validate <phase>",
	Short: "Re-validate the latest checkpoint of a phase",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointValidate,
}

var checkpointRollbackCmd = &cobra.Command{
	Use:   "rollback <id>",
	Short: "Restore the backup taken with a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointRollback,
}

func init() {
	addConnectionFlags(checkpointCmd)

	checkpointCreateCmd.Flags().String("phase", "", "Phase the checkpoint belongs to (default: current phase)")
	checkpointCreateCmd.Flags().String("description", "", "Free-text description")
	checkpointListCmd.Flags().String("phase", "", "Only list checkpoints of this phase")
	checkpointRollbackCmd.Flags().Bool("yes", false, "Skip the confirmation prompt")

	checkpointCmd.AddCommand(checkpointCreateCmd)
	checkpointCmd.AddCommand(checkpointListCmd)
	checkpointCmd.AddCommand(checkpointValidateCmd)
	checkpointCmd.AddCommand(checkpointRollbackCmd)
}

func runCheckpointCreate(cmd *cobra.Command, args []string) error {
	phaseFlag, _ := cmd.Flags().GetString("phase")
	desc, _ := cmd.Flags().GetString("description")
	return withEnv(cmd, func(ctx context.Context, e *env) error {
		phase, err := phaseOrCurrent(ctx, e, phaseFlag)
		if err != nil {
			return err
		}
		sp := ui.NewStep(cmd.ErrOrStderr(), !colorEnabled() || jsonOutput(cmd))
		sp.Start(fmt.Sprintf("Validating %s...", phase))
		cp, err := e.svc.CreateCheckpoint(ctx, args[0], phase, desc)
		if err != nil {
			sp.Fail()
			return err
		}
		if cp.Validation.Valid {
			sp.Done()
		} else {
			sp.Warn()
		}
		if jsonOutput(cmd) {
			return writeJSON(cmd.OutOrStdout(), cp)
		}
		w, c := cmd.OutOrStdout(), colorEnabled()
		fmt.Fprintf(w, "Checkpoint %s (%s)\n", bold(cp.Name, c), cp.ID)
		printValidation(w, cp.Validation, c)
		if cp.BackupID != "" {
			fmt.Fprintf(w, "  Backup: %s\n", cp.BackupID)
		}
		return nil
	})
}

func phaseOrCurrent(ctx context.Context, e *env, s string) (orchestrator.Phase, error) {
	if s != "" {
		return orchestrator.ParsePhase(s)
	}
	return e.svc.CurrentPhase(ctx)
}

func runCheckpointList(cmd *cobra.Command, args []string) error {
	phaseFlag, _ := cmd.Flags().GetString("phase")
	var filter *orchestrator.Phase
	if phaseFlag != "" {
		p, err := orchestrator.ParsePhase(phaseFlag)
		if err != nil {
			return err
		}
		filter = &p
	}
	return withEnv(cmd, func(ctx context.Context, e *env) error {
		cps, err := e.svc.ListCheckpoints(ctx, filter)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			if cps == nil {
				cps = []*orchestrator.Checkpoint{}
			}
			return writeJSON(cmd.OutOrStdout(), cps)
		}
		if len(cps) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No checkpoints recorded.")
			return nil
		}
		return printCheckpoints(cmd.OutOrStdout(), cps, colorEnabled())
	})
}

func runCheckpointValidate(cmd *cobra.Command, args []string) error {
	phase, err := orchestrator.ParsePhase(args[0])
	if err != nil {
		return err
	}
	return withEnv(cmd, func(ctx context.Context, e *env) error {
		check, err := e.svc.ValidateCheckpointBeforeProgression(ctx, phase)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return writeJSON(cmd.OutOrStdout(), check)
		}
		w, c := cmd.OutOrStdout(), colorEnabled()
		if check.Checkpoint != nil {
			fmt.Fprintf(w, "Checkpoint %s (%s)\n", bold(check.Checkpoint.Name, c), check.Checkpoint.ID)
		}
		printValidation(w, check.Validation, c)
		if !check.Valid {
			return fmt.Errorf("phase %s is not ready to progress", phase)
		}
		return nil
	})
}

func runCheckpointRollback(cmd *cobra.Command, args []string) error {
	yes, _ := cmd.Flags().GetBool("yes")
	if !yes && !confirm(cmd, fmt.Sprintf("Restore the backup of checkpoint %s? Current data in the migration tables will be replaced.", args[0])) {
		return nil
	}
	return withEnv(cmd, func(ctx context.Context, e *env) error {
		res, err := e.svc.RollbackToCheckpoint(ctx, args[0])
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
