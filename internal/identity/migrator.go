// Package identity moves legacy accounts, profiles and role grants into the
// target account store. Credentials are re-issued according to a password
// strategy, roles are collapsed onto the target role set, and every batch
// is checkpointed so progress survives a crash.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lexledger/lexmigrate/internal/auditlog"
	"github.com/lexledger/lexmigrate/internal/migrate"
)

const auditPhase = "users_migrated"

// legacyNamespace derives stable UUIDs for legacy ids that are not UUIDs.
var legacyNamespace = uuid.MustParse("5b0e4a8c-3f1d-5c2a-9e7b-6d4f2a1c8e30")

// Source exports accounts from the legacy identity provider. A Source may
// also implement ProfileSource and RoleSource.
type Source interface {
	ExportAccounts(ctx context.Context) ([]Account, error)
}

// ProfileSource exports profile rows.
type ProfileSource interface {
	ExportProfiles(ctx context.Context) ([]Profile, error)
}

// RoleSource exports role grants.
type RoleSource interface {
	ExportRoleGrants(ctx context.Context) ([]RoleGrant, error)
}

// Store is the target account store. UserByEmail and UserByID return
// ErrUserNotFound when nothing matches. CreateUser writes the account, its
// profile and its roles atomically and reports false when the account
// already existed. GrantRoles is idempotent.
type Store interface {
	UserByEmail(ctx context.Context, email string) (*User, error)
	UserByID(ctx context.Context, id string) (*User, error)
	CreateUser(ctx context.Context, u NewUser) (bool, error)
	GrantRoles(ctx context.Context, userID string, roles []string) error
	UserRoles(ctx context.Context, userID string) ([]string, error)
}

// ProgressRecorder persists batch checkpoints.
type ProgressRecorder interface {
	RecordBatch(ctx context.Context, runID string, cp BatchCheckpoint) error
}

// passwordOutcome classifies the credential written for a result.
type passwordOutcome int

const (
	passwordNone passwordOutcome = iota
	passwordTemporary
	passwordPreserved
	passwordReset
	passwordDegraded
)

// record is a Result plus bookkeeping that stays out of the report.
type record struct {
	Result
	password passwordOutcome
}

// Migrator runs identity migrations.
type Migrator struct {
	source    Source
	store     Store
	logger    *slog.Logger
	audit     auditlog.Logger
	now       func() time.Time
	newSecret func() (string, error)
}

// NewMigrator creates a migrator. A nil audit logger discards entries.
func NewMigrator(source Source, store Store, logger *slog.Logger, audit auditlog.Logger) *Migrator {
	if audit == nil {
		audit = auditlog.Nop{}
	}
	return &Migrator{
		source:    source,
		store:     store,
		logger:    logger,
		audit:     audit,
		now:       time.Now,
		newSecret: newSecret,
	}
}

// exported holds everything read from the source.
type exported struct {
	accounts []Account
	profiles map[string]*Profile
	grants   map[string][]string
	orphans  []RoleGrant
	total    int
}

func (m *Migrator) export(ctx context.Context) (*exported, error) {
	accounts, err := m.source.ExportAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: accounts: %w", ErrExport, err)
	}
	ex := &exported{
		accounts: accounts,
		profiles: make(map[string]*Profile),
		grants:   make(map[string][]string),
	}
	known := make(map[string]bool, len(accounts))
	for _, a := range accounts {
		known[a.ID] = true
	}

	if ps, ok := m.source.(ProfileSource); ok {
		profiles, err := ps.ExportProfiles(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: profiles: %w", ErrExport, err)
		}
		for i := range profiles {
			ex.profiles[profiles[i].UserID] = &profiles[i]
		}
	}
	if rs, ok := m.source.(RoleSource); ok {
		grants, err := rs.ExportRoleGrants(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: role grants: %w", ErrExport, err)
		}
		ex.total = len(grants)
		for _, g := range grants {
			if !known[g.UserID] {
				ex.orphans = append(ex.orphans, g)
				continue
			}
			ex.grants[g.UserID] = append(ex.grants[g.UserID], g.Role)
		}
	}
	return ex, nil
}

func (o *Options) normalize() error {
	strategy, err := ParseStrategy(string(o.PasswordStrategy))
	if err != nil {
		return fmt.Errorf("%w: %q", err, o.PasswordStrategy)
	}
	o.PasswordStrategy = strategy
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.RunID == "" {
		o.RunID = uuid.NewString()
	}
	if o.Progress == nil {
		o.Progress = migrate.NopReporter{}
	}
	return nil
}

// MigrateAll exports every legacy account and writes it to the store in
// batches. The report is returned alongside ErrAborted or ctx.Err() when
// the run stops early.
func (m *Migrator) MigrateAll(ctx context.Context, opts Options) (*Report, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	op := auditlog.Start(m.audit, auditPhase, "identity.migrate").With("run_id", opts.RunID)

	report := &Report{
		RunID:     opts.RunID,
		DryRun:    opts.DryRun,
		StartedAt: m.now().UTC(),
		Roles: RoleSummary{
			Distribution: make(map[string]int),
			FailedByType: make(map[string]int),
		},
		Passwords: PasswordSummary{Strategy: opts.PasswordStrategy},
	}

	ex, err := m.export(ctx)
	if err != nil {
		op.DoneWithHint(ctx, err, "check that the legacy database is reachable and auth.users is readable")
		return nil, err
	}
	report.TotalUsers = len(ex.accounts)
	report.Roles.TotalGrants = ex.total
	for _, g := range ex.orphans {
		report.Roles.FailedRoles++
		report.Roles.FailedByType[g.Role]++
		report.Errors = append(report.Errors, fmt.Sprintf("role %s for user %s: account not in export", g.Role, g.UserID))
	}

	if opts.DryRun {
		m.predict(report, ex)
		m.finish(report)
		op.With("total_users", report.TotalUsers).Done(ctx, nil)
		return report, nil
	}

	stage := migrate.Stage{Name: "Users", Unit: "accounts", Index: 1, Total: 1}
	opts.Progress.StartStage(stage, len(ex.accounts))
	start := time.Now()

	runErr := m.runBatches(ctx, opts, ex, report, stage)
	opts.Progress.FinishStage(stage, migrate.StageSummary{
		Items:   len(report.Results),
		Failed:  report.FailedUsers + report.ManualReview,
		Elapsed: time.Since(start),
	})

	if opts.Validate && !report.Cancelled {
		report.Validation = m.validate(context.WithoutCancel(ctx), report)
	}
	m.finish(report)

	op.With("total_users", report.TotalUsers).
		With("migrated_users", report.MigratedUsers).
		With("failed_users", report.FailedUsers).
		DoneWithHint(ctx, runErr, "rerun the identity phase; existing accounts are skipped")
	return report, runErr
}

func (m *Migrator) runBatches(ctx context.Context, opts Options, ex *exported, report *Report, stage migrate.Stage) error {
	var aborted atomic.Bool
	batchNo := 0
	for lo := 0; lo < len(ex.accounts); lo += opts.BatchSize {
		if err := ctx.Err(); err != nil {
			report.Cancelled = true
			m.logger.Warn("identity migration cancelled", "run_id", opts.RunID, "processed", len(report.Results))
			return err
		}
		if aborted.Load() {
			break
		}
		hi := min(lo+opts.BatchSize, len(ex.accounts))
		batchNo++

		batch := ex.accounts[lo:hi]
		records := make([]*record, len(batch))
		var succeeded, failed atomic.Int64
		bctx := context.WithoutCancel(ctx)

		g := new(errgroup.Group)
		g.SetLimit(opts.Concurrency)
		for i, acct := range batch {
			g.Go(func() error {
				if aborted.Load() {
					return nil
				}
				rec := m.migrateOne(bctx, acct, ex.profiles[acct.ID], ex.grants[acct.ID], opts)
				records[i] = rec
				if rec.unsuccessful() {
					failed.Add(1)
					if !opts.ContinueOnError {
						aborted.Store(true)
					}
				} else {
					succeeded.Add(1)
				}
				return nil
			})
		}
		_ = g.Wait()

		processed := 0
		for _, rec := range records {
			if rec == nil {
				continue
			}
			processed++
			m.tally(report, rec)
		}

		cp := BatchCheckpoint{
			Batch:     batchNo,
			Processed: processed,
			Succeeded: int(succeeded.Load()),
			Failed:    int(failed.Load()),
			At:        m.now().UTC(),
		}
		report.Checkpoints = append(report.Checkpoints, cp)
		if opts.Recorder != nil {
			if err := opts.Recorder.RecordBatch(bctx, opts.RunID, cp); err != nil {
				m.logger.Warn("recording batch checkpoint", "run_id", opts.RunID, "batch", batchNo, "error", err)
			}
		}
		opts.Progress.BatchDone(stage, migrate.BatchProgress{
			Batch:  batchNo,
			Done:   len(report.Results),
			Failed: report.FailedUsers + report.ManualReview,
			Total:  len(ex.accounts),
		})
		m.logger.Info("identity batch complete",
			"run_id", opts.RunID, "batch", batchNo, "processed", processed,
			"succeeded", cp.Succeeded, "failed", cp.Failed)
	}
	if aborted.Load() {
		return ErrAborted
	}
	return nil
}

// mapRoles splits legacy role names into deduplicated target roles and the
// names that have no mapping.
func mapRoles(names []string) (roles, unmapped []string) {
	for _, name := range names {
		role, ok := MapRole(name)
		if !ok {
			unmapped = append(unmapped, name)
			continue
		}
		if !slices.Contains(roles, role) {
			roles = append(roles, role)
		}
	}
	slices.Sort(roles)
	return roles, unmapped
}

func validEmail(email string) bool {
	if email == "" || strings.ContainsAny(email, "\r\n ") {
		return false
	}
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email && strings.Contains(email[strings.LastIndex(email, "@")+1:], ".")
}

// legacyUUID returns id itself when it is a UUID, else a UUIDv5 derived
// from it.
func legacyUUID(id string) string {
	if u, err := uuid.Parse(id); err == nil {
		return u.String()
	}
	return uuid.NewSHA1(legacyNamespace, []byte(id)).String()
}

func (m *Migrator) migrateOne(ctx context.Context, acct Account, profile *Profile, grants []string, opts Options) *record {
	email := strings.ToLower(strings.TrimSpace(acct.Email))
	rec := &record{Result: Result{LegacyID: acct.ID, Email: email, Status: StatusPending}}
	roles, unmapped := mapRoles(grants)

	fail := func(status Status, err error) *record {
		rec.Status = status
		rec.Error = err.Error()
		rec.Roles = nil
		rec.FailedRoles = slices.Clone(grants)
		m.logger.Warn("account not migrated", "legacy_id", acct.ID, "email", email, "status", status, "error", err)
		return rec
	}

	if !validEmail(email) {
		return fail(StatusManualReview, fmt.Errorf("invalid email %q", acct.Email))
	}

	existing, err := m.store.UserByEmail(ctx, email)
	switch {
	case err == nil:
		return m.skip(ctx, rec, existing.ID, roles, unmapped, fail)
	case !errors.Is(err, ErrUserNotFound):
		return fail(StatusFailed, fmt.Errorf("looking up %s: %w", email, err))
	}

	newID := uuid.NewString()
	if opts.PreserveIDs {
		newID = legacyUUID(acct.ID)
		other, err := m.store.UserByID(ctx, newID)
		switch {
		case err == nil:
			return fail(StatusManualReview, fmt.Errorf("id %s already belongs to %s", newID, other.Email))
		case !errors.Is(err, ErrUserNotFound):
			return fail(StatusFailed, fmt.Errorf("looking up id %s: %w", newID, err))
		}
	}

	cred, err := m.makeCredential(acct, opts.PasswordStrategy)
	if err != nil {
		return fail(StatusFailed, err)
	}
	if cred.degraded {
		m.logger.Warn("legacy password hash unusable; issuing a temporary password", "legacy_id", acct.ID, "email", email)
	}

	var p *Profile
	if profile != nil {
		cp := *profile
		cp.UserID = newID
		p = &cp
	}
	created, err := m.store.CreateUser(ctx, NewUser{
		ID:                newID,
		Email:             email,
		PasswordHash:      cred.hash,
		MustResetPassword: cred.mustReset,
		EmailVerified:     acct.EmailVerified,
		LegacyID:          acct.ID,
		CreatedAt:         acct.CreatedAt,
		UpdatedAt:         acct.UpdatedAt,
		Profile:           p,
		Roles:             roles,
	})
	if err != nil {
		return fail(StatusFailed, err)
	}
	if !created {
		// Lost a race with another writer for the same email.
		existing, err := m.store.UserByEmail(ctx, email)
		if err != nil {
			return fail(StatusFailed, fmt.Errorf("looking up %s: %w", email, err))
		}
		return m.skip(ctx, rec, existing.ID, roles, unmapped, fail)
	}

	rec.NewID = newID
	rec.Roles = roles
	rec.FailedRoles = unmapped
	rec.Status = StatusSuccess
	if cred.mustReset {
		rec.Status = StatusPasswordReset
	}
	switch {
	case cred.preserved:
		rec.password = passwordPreserved
	case cred.degraded:
		rec.password = passwordDegraded
	case opts.PasswordStrategy == StrategyResetRequired:
		rec.password = passwordReset
	default:
		rec.password = passwordTemporary
	}
	return rec
}

func (m *Migrator) skip(ctx context.Context, rec *record, userID string, roles, unmapped []string, fail func(Status, error) *record) *record {
	rec.NewID = userID
	rec.Skipped = true
	if len(roles) > 0 {
		if err := m.store.GrantRoles(ctx, userID, roles); err != nil {
			return fail(StatusFailed, fmt.Errorf("granting roles to %s: %w", rec.Email, err))
		}
	}
	rec.Status = StatusSuccess
	rec.Roles = roles
	rec.FailedRoles = unmapped
	return rec
}

// tally folds rec into the report. It runs on one goroutine only.
// unsuccessful reports whether the account counts against its batch and
// stops a run that does not continue on error. Accounts left for manual
// review were not migrated, so they count.
func (r *record) unsuccessful() bool {
	return r.Status == StatusFailed || r.Status == StatusManualReview
}

func (m *Migrator) tally(report *Report, rec *record) {
	report.Results = append(report.Results, rec.Result)
	switch {
	case rec.Status == StatusFailed:
		report.FailedUsers++
		report.Errors = append(report.Errors, fmt.Sprintf("%s: %s", rec.Email, rec.Error))
	case rec.Status == StatusManualReview:
		report.ManualReview++
		report.Errors = append(report.Errors, fmt.Sprintf("%s: %s", rec.Email, rec.Error))
	case rec.Skipped:
		report.SkippedUsers++
	default:
		report.MigratedUsers++
	}

	for _, role := range rec.Roles {
		report.Roles.MigratedRoles++
		report.Roles.Distribution[role]++
	}
	for _, name := range rec.FailedRoles {
		report.Roles.FailedRoles++
		report.Roles.FailedByType[name]++
	}

	switch rec.password {
	case passwordTemporary:
		report.Passwords.Temporary++
	case passwordPreserved:
		report.Passwords.Preserved++
	case passwordReset:
		report.Passwords.ResetRequired++
	case passwordDegraded:
		report.Passwords.Temporary++
		report.Passwords.Degraded++
	}
}

// predict fills a dry-run report without touching the store.
func (m *Migrator) predict(report *Report, ex *exported) {
	for _, acct := range ex.accounts {
		email := strings.ToLower(strings.TrimSpace(acct.Email))
		roles, unmapped := mapRoles(ex.grants[acct.ID])
		rec := &record{Result: Result{
			LegacyID:    acct.ID,
			Email:       email,
			Status:      StatusPending,
			Roles:       roles,
			FailedRoles: unmapped,
		}}
		if !validEmail(email) {
			rec.Status = StatusManualReview
			rec.Error = fmt.Sprintf("invalid email %q", acct.Email)
			rec.Roles = nil
			rec.FailedRoles = slices.Clone(ex.grants[acct.ID])
		}
		report.Results = append(report.Results, rec.Result)
		if rec.Status == StatusManualReview {
			report.ManualReview++
		}
		for _, role := range rec.Roles {
			report.Roles.MigratedRoles++
			report.Roles.Distribution[role]++
		}
		for _, name := range rec.FailedRoles {
			report.Roles.FailedRoles++
			report.Roles.FailedByType[name]++
		}
	}
}

// validate re-reads every migrated or skipped account and compares its
// roles against what was expected. It never writes.
func (m *Migrator) validate(ctx context.Context, report *Report) *ValidationReport {
	v := &ValidationReport{}
	for _, res := range report.Results {
		if res.Status != StatusSuccess && res.Status != StatusPasswordReset {
			continue
		}
		v.Checked++
		d := Discrepancy{Email: res.Email, UserID: res.NewID}

		u, err := m.store.UserByEmail(ctx, res.Email)
		if err != nil {
			d.Error = err.Error()
			v.Discrepancies = append(v.Discrepancies, d)
			continue
		}
		d.UserID = u.ID
		got, err := m.store.UserRoles(ctx, u.ID)
		if err != nil {
			d.Error = err.Error()
			v.Discrepancies = append(v.Discrepancies, d)
			continue
		}
		for _, want := range res.Roles {
			if !slices.Contains(got, want) {
				d.Missing = append(d.Missing, want)
			}
		}
		if !res.Skipped {
			for _, have := range got {
				if !slices.Contains(res.Roles, have) {
					d.Extra = append(d.Extra, have)
				}
			}
		}
		if len(d.Missing) > 0 || len(d.Extra) > 0 {
			v.Discrepancies = append(v.Discrepancies, d)
			continue
		}
		v.Passed++
	}
	if len(v.Discrepancies) > 0 {
		m.logger.Warn("identity validation found discrepancies", "run_id", report.RunID, "count", len(v.Discrepancies))
	}
	return v
}

func (m *Migrator) finish(report *Report) {
	report.Roles.UniqueRoleTypes = make([]string, 0, len(report.Roles.Distribution))
	for role := range report.Roles.Distribution {
		report.Roles.UniqueRoleTypes = append(report.Roles.UniqueRoleTypes, role)
	}
	slices.Sort(report.Roles.UniqueRoleTypes)
	if report.Results == nil {
		report.Results = []Result{}
	}
	report.CompletedAt = m.now().UTC()
}
