package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lexledger/lexmigrate/internal/cli/ui"
	"github.com/lexledger/lexmigrate/internal/orchestrator"
)

var phaseCmd = &cobra.Command{
	Use:   "phase",
	Short: "Show or advance the migration phase",
}

var phaseStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current phase and the checkpoint recorded for each phase",
	RunE:  runPhaseStatus,
}

var phaseAdvanceCmd = &cobra.Command{
	Use:   "advance <phase>",
	Short: "Move to the next phase after validating the current one",
	Long: `Advance the migration to <phase>. Only the phase directly after the current
one is accepted, and the current phase must have a valid checkpoint.

Phases: initial, schema_extracted, data_migrated, users_migrated,
files_migrated, validation_complete, production_ready`,
	Args: cobra.ExactArgs(1),
	RunE: runPhaseAdvance,
}

func init() {
	addConnectionFlags(phaseCmd)
	phaseCmd.AddCommand(phaseStatusCmd)
	phaseCmd.AddCommand(phaseAdvanceCmd)
}

func runPhaseStatus(cmd *cobra.Command, args []string) error {
	return withEnv(cmd, func(ctx context.Context, e *env) error {
		st, err := e.svc.Status(ctx)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return writeJSON(cmd.OutOrStdout(), st)
		}

		w, c := cmd.OutOrStdout(), colorEnabled()
		current := st.Phase.Index()
		for i, p := range orchestrator.Phases {
			marker := dim(ui.SymbolDot, c)
			name := string(p)
			switch {
			case i < current:
				marker = green(ui.SymbolCheck, c)
			case i == current:
				marker = cyan(ui.SymbolArrow, c)
				name = bold(name, c)
			}
			line := fmt.Sprintf("  %s %-22s", marker, name)
			if cp := st.Checkpoints[p]; cp != nil {
				line += dim(fmt.Sprintf(" checkpoint %q %s", cp.Name, formatTime(cp.CreatedAt)), c)
				if !cp.Validation.Valid {
					line += " " + yellow("(failed validation)", c)
				}
			}
			fmt.Fprintln(w, line)
		}
		fmt.Fprintf(w, "\n  %d backups stored\n", st.Backups)
		return nil
	})
}

func runPhaseAdvance(cmd *cobra.Command, args []string) error {
	to, err := orchestrator.ParsePhase(args[0])
	if err != nil {
		return err
	}
	return withEnv(cmd, func(ctx context.Context, e *env) error {
		state, err := e.svc.AdvancePhase(ctx, to)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return writeJSON(cmd.OutOrStdout(), state)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Phase is now %s\n", green(ui.SymbolCheck, colorEnabled()), state.Phase)
		return nil
	})
}
