package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lexledger/lexmigrate/internal/cli/ui"
	"github.com/lexledger/lexmigrate/internal/identity"
	"github.com/lexledger/lexmigrate/internal/migrate"
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Migrate legacy auth accounts",
}

var usersMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Copy auth.users, profiles and role grants into the target database",
	Long: `Export every account from the legacy auth schema and create it in the target
database in batches, with its profile and mapped roles. Accounts that already
exist are skipped, so the command can be rerun after a failure.

Password strategies:
  temporary-only          every account gets a random temporary password
  hash-migration-attempt  keep valid bcrypt hashes, otherwise temporary
  reset-required          no usable password; users must reset`,
	RunE: runUsersMigrate,
}

func init() {
	addConnectionFlags(usersCmd)

	f := usersMigrateCmd.Flags()
	f.Int("batch-size", 0, "Accounts per batch (default identity.batch_size)")
	f.String("password-strategy", "", "temporary-only, hash-migration-attempt or reset-required")
	f.Int("concurrency", 0, "Workers per batch (default identity.concurrency)")
	f.Bool("dry-run", false, "Report what would be migrated without writing")
	f.Bool("validate", true, "Re-read migrated accounts and compare roles")
	f.Bool("stop-on-error", false, "Abort at the first failed account")
	f.Bool("no-preserve-ids", false, "Derive new ids instead of keeping legacy UUIDs")
	f.BoolP("yes", "y", false, "Skip the confirmation prompt")

	usersCmd.AddCommand(usersMigrateCmd)
}

// usersOptions applies the command flags over the configured defaults.
func usersOptions(cmd *cobra.Command, defaults identity.Options) (identity.Options, error) {
	opts := defaults
	f := cmd.Flags()
	if f.Changed("batch-size") {
		n, _ := f.GetInt("batch-size")
		if n < 1 {
			return opts, errors.New("--batch-size must be at least 1")
		}
		opts.BatchSize = n
	}
	if f.Changed("password-strategy") {
		v, _ := f.GetString("password-strategy")
		s, err := identity.ParseStrategy(v)
		if err != nil {
			return opts, fmt.Errorf("%w: %q", err, v)
		}
		opts.PasswordStrategy = s
	}
	if f.Changed("concurrency") {
		n, _ := f.GetInt("concurrency")
		if n < 1 || n > 32 {
			return opts, errors.New("--concurrency must be between 1 and 32")
		}
		opts.Concurrency = n
	}
	opts.DryRun, _ = f.GetBool("dry-run")
	opts.Validate, _ = f.GetBool("validate")
	if stop, _ := f.GetBool("stop-on-error"); stop {
		opts.ContinueOnError = false
	}
	if noPreserve, _ := f.GetBool("no-preserve-ids"); noPreserve {
		opts.PreserveIDs = false
	}
	return opts, nil
}

func runUsersMigrate(cmd *cobra.Command, args []string) error {
	return withEnv(cmd, func(ctx context.Context, e *env) error {
		if e.users == nil {
			return errors.New("users migrate needs a legacy database URL (--legacy-url or legacy.database_url)")
		}
		opts, err := usersOptions(cmd, identityDefaults(e.cfg.Identity))
		if err != nil {
			return err
		}
		opts.Recorder = e.store

		jsonOut := jsonOutput(cmd)
		yes, _ := cmd.Flags().GetBool("yes")
		if !jsonOut {
			plan, err := usersPlan(ctx, e, opts)
			if err != nil {
				return err
			}
			plan.PrintPlan(cmd.ErrOrStderr())
			if !yes && !opts.DryRun && !confirm(cmd, fmt.Sprintf("Migrate %d accounts with password strategy %s?", plan.Users, opts.PasswordStrategy)) {
				return nil
			}
			opts.Progress = migrate.NewCLIReporter(cmd.ErrOrStderr())
		}

		report, runErr := e.users.MigrateAll(ctx, opts)
		if report == nil {
			return runErr
		}
		if jsonOut {
			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			return runErr
		}
		printUsersReport(cmd.OutOrStdout(), report, colorEnabled())
		return runErr
	})
}

func usersPlan(ctx context.Context, e *env, opts identity.Options) (*migrate.Plan, error) {
	source := identity.NewPGSource(e.legacy)
	n, err := source.CountUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting legacy accounts: %w", err)
	}
	phase, err := e.svc.CurrentPhase(ctx)
	if err != nil {
		return nil, err
	}
	plan := &migrate.Plan{
		Source:      "legacy auth.users",
		Phase:       string(phase),
		Users:       n,
		Strategy:    string(opts.PasswordStrategy),
		BatchSize:   opts.BatchSize,
		Concurrency: opts.Concurrency,
		DryRun:      opts.DryRun,
	}
	grants, err := source.ExportRoleGrants(ctx)
	if err != nil {
		plan.Warnings = append(plan.Warnings, "role grants unavailable: "+err.Error())
	}
	plan.RoleGrants = len(grants)
	return plan, nil
}

func printUsersReport(w io.Writer, r *identity.Report, c bool) {
	title := "Identity migration"
	if r.DryRun {
		title += " (dry run)"
	}
	fmt.Fprintf(w, "%s %s\n", boldCyan(title, c), dim(r.RunID, c))
	fmt.Fprintf(w, "  migrated %d, skipped %d, failed %d, manual review %d of %d\n",
		r.MigratedUsers, r.SkippedUsers, r.FailedUsers, r.ManualReview, r.TotalUsers)
	fmt.Fprintf(w, "  passwords (%s): %d temporary, %d preserved, %d reset, %d degraded\n",
		r.Passwords.Strategy, r.Passwords.Temporary, r.Passwords.Preserved, r.Passwords.ResetRequired, r.Passwords.Degraded)
	if len(r.Roles.UniqueRoleTypes) > 0 {
		fmt.Fprintf(w, "  roles: %s\n", strings.Join(r.Roles.UniqueRoleTypes, ", "))
	}

	if !r.DryRun {
		summary := &migrate.ValidationSummary{
			SourceLabel: "Legacy",
			TargetLabel: "Target",
			Rows: []migrate.ValidationRow{
				{Label: "accounts", SourceCount: r.TotalUsers, TargetCount: r.MigratedUsers + r.SkippedUsers},
				{Label: "role grants", SourceCount: r.Roles.TotalGrants, TargetCount: r.Roles.MigratedRoles},
			},
		}
		if v := r.Validation; v != nil {
			for _, d := range v.Discrepancies {
				summary.Warnings = append(summary.Warnings, describeDiscrepancy(d))
			}
		}
		summary.PrintSummary(w)
	}

	for _, msg := range r.Errors {
		fmt.Fprintf(w, "  %s %s\n", red(ui.SymbolCross, c), msg)
	}
	if r.Cancelled {
		fmt.Fprintf(w, "  %s run cancelled; rerun to continue, existing accounts are skipped\n", yellow(ui.SymbolWarning, c))
	}
}

func describeDiscrepancy(d identity.Discrepancy) string {
	var parts []string
	if len(d.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(d.Missing, ","))
	}
	if len(d.Extra) > 0 {
		parts = append(parts, "extra "+strings.Join(d.Extra, ","))
	}
	if d.Error != "" {
		parts = append(parts, d.Error)
	}
	return d.Email + ": " + strings.Join(parts, "; ")
}
