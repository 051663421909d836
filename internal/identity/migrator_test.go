package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/lexledger/lexmigrate/internal/auditlog"
	"github.com/lexledger/lexmigrate/internal/testutil"
)

func TestMain(m *testing.M) {
	argonMemory = 1024
	argonTime = 1
	argonThreads = 1
	os.Exit(m.Run())
}

type fakeSource struct {
	accounts    []Account
	profiles    []Profile
	grants      []RoleGrant
	accountsErr error
	grantsErr   error
}

func (s *fakeSource) ExportAccounts(context.Context) ([]Account, error) {
	return s.accounts, s.accountsErr
}

func (s *fakeSource) ExportProfiles(context.Context) ([]Profile, error) {
	return s.profiles, nil
}

func (s *fakeSource) ExportRoleGrants(context.Context) ([]RoleGrant, error) {
	return s.grants, s.grantsErr
}

type fakeStore struct {
	mu        sync.Mutex
	users     map[string]NewUser // by id
	byEmail   map[string]string
	roles     map[string][]string
	failEmail string
	dropRoles bool
	writes    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:   make(map[string]NewUser),
		byEmail: make(map[string]string),
		roles:   make(map[string][]string),
	}
}

func (s *fakeStore) UserByEmail(_ context.Context, email string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, ErrUserNotFound
	}
	u := s.users[id]
	return &User{ID: u.ID, Email: u.Email, MustResetPassword: u.MustResetPassword, LegacyID: u.LegacyID}, nil
}

func (s *fakeStore) UserByID(_ context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &User{ID: u.ID, Email: u.Email}, nil
}

func (s *fakeStore) CreateUser(_ context.Context, u NewUser) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.Email == s.failEmail {
		return false, errors.New("insert rejected")
	}
	if _, ok := s.byEmail[u.Email]; ok {
		return false, nil
	}
	if _, ok := s.users[u.ID]; ok {
		return false, nil
	}
	s.writes++
	s.users[u.ID] = u
	s.byEmail[u.Email] = u.ID
	s.grantLocked(u.ID, u.Roles)
	return true, nil
}

func (s *fakeStore) GrantRoles(_ context.Context, userID string, roles []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	s.grantLocked(userID, roles)
	return nil
}

func (s *fakeStore) grantLocked(userID string, roles []string) {
	if s.dropRoles {
		return
	}
	for _, r := range roles {
		if !slices.Contains(s.roles[userID], r) {
			s.roles[userID] = append(s.roles[userID], r)
		}
	}
}

func (s *fakeStore) UserRoles(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	roles := slices.Clone(s.roles[userID])
	slices.Sort(roles)
	return roles, nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

type recorderFunc func(ctx context.Context, runID string, cp BatchCheckpoint) error

func (f recorderFunc) RecordBatch(ctx context.Context, runID string, cp BatchCheckpoint) error {
	return f(ctx, runID, cp)
}

const (
	idA = "11111111-1111-4111-8111-111111111111"
	idB = "22222222-2222-4222-8222-222222222222"
	idC = "33333333-3333-4333-8333-333333333333"
)

func threeAccounts() *fakeSource {
	return &fakeSource{
		accounts: []Account{
			{ID: idA, Email: "a@firm.fr"},
			{ID: idB, Email: "B@Firm.fr"},
			{ID: idC, Email: "c@firm.fr"},
		},
		profiles: []Profile{{UserID: idA, FullName: "Anne Avocat", Data: map[string]any{"bar": "Paris"}}},
		grants: []RoleGrant{
			{UserID: idA, Role: "admin"},
			{UserID: idB, Role: "employee"},
			{UserID: idC, Role: "unknown_role"},
		},
	}
}

func TestMigrateAllThreeAccounts(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	audit := &auditlog.Memory{}
	m := NewMigrator(threeAccounts(), store, testutil.DiscardLogger(), audit)

	report, err := m.MigrateAll(t.Context(), DefaultOptions())
	testutil.NoError(t, err)

	testutil.Equal(t, 3, report.TotalUsers)
	testutil.Equal(t, 3, report.MigratedUsers)
	testutil.Equal(t, 0, report.FailedUsers)
	testutil.Equal(t, 3, report.Roles.TotalGrants)
	testutil.Equal(t, 2, report.Roles.MigratedRoles)
	testutil.Equal(t, 1, report.Roles.FailedRoles)
	testutil.Equal(t, 1, report.Roles.FailedByType["unknown_role"])
	testutil.Equal(t, "admin,collaborateur", strings.Join(report.Roles.UniqueRoleTypes, ","))
	testutil.Equal(t, 3, report.Passwords.Temporary)

	sum := 0
	for _, n := range report.Roles.Distribution {
		sum += n
	}
	testutil.Equal(t, report.Roles.MigratedRoles, sum)

	testutil.SliceLen(t, report.Results, 3)
	for _, res := range report.Results {
		testutil.Equal(t, StatusPasswordReset, res.Status)
		testutil.Equal(t, res.LegacyID, res.NewID)
	}
	testutil.Equal(t, "b@firm.fr", report.Results[1].Email)

	testutil.NotNil(t, report.Validation)
	testutil.Equal(t, 3, report.Validation.Checked)
	testutil.Equal(t, 3, report.Validation.Passed)
	testutil.SliceLen(t, report.Checkpoints, 1)
	testutil.Equal(t, 3, report.Checkpoints[0].Processed)

	u := store.users[idA]
	testutil.Equal(t, "Anne Avocat", u.Profile.FullName)
	testutil.Equal(t, idA, u.Profile.UserID)
	testutil.True(t, u.MustResetPassword)

	testutil.SliceContains(t, audit.Operations(auditlog.LevelInfo), "identity.migrate")
}

func TestMigrateAllPasswordsAreStrongAndUnique(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	m := NewMigrator(threeAccounts(), store, testutil.DiscardLogger(), nil)
	_, err := m.MigrateAll(t.Context(), DefaultOptions())
	testutil.NoError(t, err)

	seen := map[string]bool{}
	for _, u := range store.users {
		testutil.True(t, len(u.PasswordHash) >= 50, "hash too short: %q", u.PasswordHash)
		testutil.True(t, strings.HasPrefix(u.PasswordHash, "$argon2id$v=19$"))
		testutil.False(t, seen[u.PasswordHash])
		seen[u.PasswordHash] = true
	}
}

func TestMigrateAllRerunCreatesNoDuplicates(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	m := NewMigrator(threeAccounts(), store, testutil.DiscardLogger(), nil)

	_, err := m.MigrateAll(t.Context(), DefaultOptions())
	testutil.NoError(t, err)
	report, err := m.MigrateAll(t.Context(), DefaultOptions())
	testutil.NoError(t, err)

	testutil.Equal(t, 3, store.count())
	testutil.Equal(t, 0, report.MigratedUsers)
	testutil.Equal(t, 3, report.SkippedUsers)
	testutil.Equal(t, 2, report.Roles.MigratedRoles)
	testutil.Equal(t, 3, report.Validation.Passed)
	for _, res := range report.Results {
		testutil.True(t, res.Skipped)
		testutil.Equal(t, StatusSuccess, res.Status)
	}
}

func TestMigrateAllAbortsOnFirstFailure(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.failEmail = "b@firm.fr"
	m := NewMigrator(threeAccounts(), store, testutil.DiscardLogger(), nil)

	opts := DefaultOptions()
	opts.BatchSize = 1
	opts.ContinueOnError = false
	report, err := m.MigrateAll(t.Context(), opts)
	testutil.True(t, errors.Is(err, ErrAborted))
	testutil.NotNil(t, report)
	testutil.SliceLen(t, report.Results, 2)
	testutil.Equal(t, 1, report.FailedUsers)
	testutil.Equal(t, StatusFailed, report.Results[1].Status)
	testutil.Equal(t, "insert rejected", report.Results[1].Error)
	testutil.Equal(t, 1, report.Roles.FailedByType["employee"])
	testutil.Equal(t, 1, store.count())
}

func TestMigrateAllContinuesAfterFailure(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.failEmail = "a@firm.fr"
	m := NewMigrator(threeAccounts(), store, testutil.DiscardLogger(), nil)

	report, err := m.MigrateAll(t.Context(), DefaultOptions())
	testutil.NoError(t, err)
	testutil.Equal(t, 2, report.MigratedUsers)
	testutil.Equal(t, 1, report.FailedUsers)
	testutil.SliceLen(t, report.Errors, 1)
	testutil.Contains(t, report.Errors[0], "a@firm.fr")
	testutil.Equal(t, 1, report.Checkpoints[0].Failed)
	testutil.Equal(t, 2, report.Checkpoints[0].Succeeded)
}

func TestManualReviewCountsAgainstTheBatch(t *testing.T) {
	t.Parallel()
	source := func() *fakeSource {
		return &fakeSource{accounts: []Account{
			{ID: idA, Email: "not-an-email"},
			{ID: idB, Email: "b@firm.fr"},
		}}
	}

	t.Run("stops the run", func(t *testing.T) {
		t.Parallel()
		store := newFakeStore()
		opts := DefaultOptions()
		opts.ContinueOnError = false
		report, err := NewMigrator(source(), store, testutil.DiscardLogger(), nil).MigrateAll(t.Context(), opts)
		testutil.ErrorIs(t, err, ErrAborted)
		testutil.Equal(t, 1, report.ManualReview)
		testutil.Equal(t, 0, report.MigratedUsers)
		testutil.Equal(t, 0, store.count())
		testutil.SliceLen(t, report.Checkpoints, 1)
		testutil.Equal(t, BatchCheckpoint{Batch: 1, Processed: 1, Succeeded: 0, Failed: 1, At: report.Checkpoints[0].At}, report.Checkpoints[0])
	})

	t.Run("continues on error", func(t *testing.T) {
		t.Parallel()
		report, err := NewMigrator(source(), newFakeStore(), testutil.DiscardLogger(), nil).MigrateAll(t.Context(), DefaultOptions())
		testutil.NoError(t, err)
		testutil.Equal(t, 1, report.ManualReview)
		testutil.Equal(t, 1, report.MigratedUsers)
		testutil.Equal(t, 0, report.FailedUsers)
		testutil.Equal(t, 1, report.Checkpoints[0].Succeeded)
		testutil.Equal(t, 1, report.Checkpoints[0].Failed)
	})
}

func TestMigrateAllCancelledBetweenBatches(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	var recorded []BatchCheckpoint
	opts := DefaultOptions()
	opts.BatchSize = 1
	opts.RunID = "run-1"
	opts.Recorder = recorderFunc(func(_ context.Context, runID string, cp BatchCheckpoint) error {
		testutil.Equal(t, "run-1", runID)
		recorded = append(recorded, cp)
		cancel()
		return nil
	})

	store := newFakeStore()
	m := NewMigrator(threeAccounts(), store, testutil.DiscardLogger(), nil)
	report, err := m.MigrateAll(ctx, opts)
	testutil.True(t, errors.Is(err, context.Canceled))
	testutil.True(t, report.Cancelled)
	testutil.SliceLen(t, report.Results, 1)
	testutil.SliceLen(t, recorded, 1)
	testutil.Nil(t, report.Validation)
	testutil.Equal(t, 1, store.count())
}

func TestMigrateAllDryRunWritesNothing(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	m := NewMigrator(threeAccounts(), store, testutil.DiscardLogger(), nil)

	opts := DefaultOptions()
	opts.DryRun = true
	report, err := m.MigrateAll(t.Context(), opts)
	testutil.NoError(t, err)
	testutil.True(t, report.DryRun)
	testutil.Equal(t, 0, store.writes)
	testutil.Equal(t, 0, store.count())
	testutil.Equal(t, 3, report.TotalUsers)
	testutil.Equal(t, 0, report.MigratedUsers)
	testutil.Equal(t, 1, report.Roles.Distribution["admin"])
	testutil.Equal(t, 1, report.Roles.Distribution["collaborateur"])
	testutil.Equal(t, 1, report.Roles.FailedRoles)
	testutil.Nil(t, report.Validation)
	for _, res := range report.Results {
		testutil.Equal(t, StatusPending, res.Status)
	}
}

func TestMigrateAllExportFailure(t *testing.T) {
	t.Parallel()
	src := threeAccounts()
	src.grantsErr = errors.New("relation user_roles does not exist")
	m := NewMigrator(src, newFakeStore(), testutil.DiscardLogger(), nil)

	report, err := m.MigrateAll(t.Context(), DefaultOptions())
	testutil.Nil(t, report)
	testutil.True(t, errors.Is(err, ErrExport))
	testutil.ErrorContains(t, err, "role grants")
}

func TestMigrateAllInvalidStrategy(t *testing.T) {
	t.Parallel()
	m := NewMigrator(threeAccounts(), newFakeStore(), testutil.DiscardLogger(), nil)
	opts := DefaultOptions()
	opts.PasswordStrategy = "plaintext"
	_, err := m.MigrateAll(t.Context(), opts)
	testutil.True(t, errors.Is(err, ErrInvalidStrategy))
}

func TestMigrateAllPasswordStrategies(t *testing.T) {
	t.Parallel()
	legacy, err := bcrypt.GenerateFromPassword([]byte("hunter22"), bcrypt.MinCost)
	testutil.NoError(t, err)

	src := &fakeSource{accounts: []Account{
		{ID: idA, Email: "a@firm.fr", PasswordHash: string(legacy)},
		{ID: idB, Email: "b@firm.fr", PasswordHash: "$2a$10$truncated"},
		{ID: idC, Email: "c@firm.fr"},
	}}

	t.Run("hash migration", func(t *testing.T) {
		t.Parallel()
		store := newFakeStore()
		m := NewMigrator(src, store, testutil.DiscardLogger(), nil)
		opts := DefaultOptions()
		opts.PasswordStrategy = StrategyHashMigration
		report, err := m.MigrateAll(t.Context(), opts)
		testutil.NoError(t, err)

		testutil.Equal(t, 1, report.Passwords.Preserved)
		testutil.Equal(t, 2, report.Passwords.Degraded)
		testutil.Equal(t, 2, report.Passwords.Temporary)
		testutil.Equal(t, StatusSuccess, report.Results[0].Status)
		testutil.Equal(t, StatusPasswordReset, report.Results[1].Status)

		a := store.users[idA]
		testutil.Equal(t, string(legacy), a.PasswordHash)
		testutil.False(t, a.MustResetPassword)
		ok, err := VerifyPassword(a.PasswordHash, "hunter22")
		testutil.NoError(t, err)
		testutil.True(t, ok)
	})

	t.Run("reset required", func(t *testing.T) {
		t.Parallel()
		store := newFakeStore()
		m := NewMigrator(src, store, testutil.DiscardLogger(), nil)
		opts := DefaultOptions()
		opts.PasswordStrategy = StrategyResetRequired
		report, err := m.MigrateAll(t.Context(), opts)
		testutil.NoError(t, err)
		testutil.Equal(t, 3, report.Passwords.ResetRequired)

		for _, u := range store.users {
			testutil.True(t, strings.HasPrefix(u.PasswordHash, "!$argon2id$"))
			testutil.True(t, u.MustResetPassword)
			ok, err := VerifyPassword(u.PasswordHash, "")
			testutil.NoError(t, err)
			testutil.False(t, ok)
		}
	})
}

func TestMigrateAllManualReview(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.users[idC] = NewUser{ID: idC, Email: "someone.else@firm.fr"}
	store.byEmail["someone.else@firm.fr"] = idC

	src := &fakeSource{
		accounts: []Account{
			{ID: idA, Email: "not-an-email"},
			{ID: idB, Email: ""},
			{ID: idC, Email: "c@firm.fr"},
		},
		grants: []RoleGrant{{UserID: idA, Role: "avocat"}},
	}
	m := NewMigrator(src, store, testutil.DiscardLogger(), nil)
	report, err := m.MigrateAll(t.Context(), DefaultOptions())
	testutil.NoError(t, err)

	testutil.Equal(t, 3, report.ManualReview)
	testutil.Equal(t, 0, report.MigratedUsers)
	for _, res := range report.Results {
		testutil.Equal(t, StatusManualReview, res.Status)
	}
	testutil.Contains(t, report.Results[2].Error, "already belongs to someone.else@firm.fr")
	testutil.Equal(t, 1, report.Roles.FailedByType["avocat"])
	testutil.Equal(t, 0, report.Validation.Checked)
}

func TestMigrateAllDerivesUUIDForLegacyIDs(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	src := &fakeSource{accounts: []Account{{ID: "legacy-42", Email: "x@firm.fr"}}}
	m := NewMigrator(src, store, testutil.DiscardLogger(), nil)

	report, err := m.MigrateAll(t.Context(), DefaultOptions())
	testutil.NoError(t, err)
	want := uuid.NewSHA1(legacyNamespace, []byte("legacy-42")).String()
	testutil.Equal(t, want, report.Results[0].NewID)
	testutil.Equal(t, "legacy-42", store.users[want].LegacyID)
	testutil.Equal(t, want, legacyUUID("legacy-42"))
}

func TestMigrateAllWithoutPreservedIDs(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	m := NewMigrator(threeAccounts(), store, testutil.DiscardLogger(), nil)
	opts := DefaultOptions()
	opts.PreserveIDs = false
	report, err := m.MigrateAll(t.Context(), opts)
	testutil.NoError(t, err)
	for _, res := range report.Results {
		testutil.NotEqual(t, res.LegacyID, res.NewID)
		_, err := uuid.Parse(res.NewID)
		testutil.NoError(t, err)
	}
}

func TestMigrateAllOrphanGrants(t *testing.T) {
	t.Parallel()
	src := threeAccounts()
	src.grants = append(src.grants, RoleGrant{UserID: "ghost", Role: "lawyer"})
	m := NewMigrator(src, newFakeStore(), testutil.DiscardLogger(), nil)

	report, err := m.MigrateAll(t.Context(), DefaultOptions())
	testutil.NoError(t, err)
	testutil.Equal(t, 4, report.Roles.TotalGrants)
	testutil.Equal(t, 2, report.Roles.FailedRoles)
	testutil.Equal(t, 1, report.Roles.FailedByType["lawyer"])
	testutil.SliceLen(t, report.Errors, 1)
	testutil.Contains(t, report.Errors[0], "account not in export")
}

func TestMigrateAllValidationDetectsMissingRoles(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.dropRoles = true
	m := NewMigrator(threeAccounts(), store, testutil.DiscardLogger(), nil)

	report, err := m.MigrateAll(t.Context(), DefaultOptions())
	testutil.NoError(t, err)
	testutil.Equal(t, 3, report.Validation.Checked)
	testutil.Equal(t, 1, report.Validation.Passed)
	testutil.SliceLen(t, report.Validation.Discrepancies, 2)
	testutil.Equal(t, "admin", strings.Join(report.Validation.Discrepancies[0].Missing, ","))
}

func TestMigrateAllConcurrentBatches(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	for i := range 23 {
		id := fmt.Sprintf("user-%02d", i)
		src.accounts = append(src.accounts, Account{ID: id, Email: id + "@firm.fr"})
		src.grants = append(src.grants, RoleGrant{UserID: id, Role: "staff"})
	}
	store := newFakeStore()
	m := NewMigrator(src, store, testutil.DiscardLogger(), nil)

	opts := DefaultOptions()
	opts.BatchSize = 5
	opts.Concurrency = 4
	report, err := m.MigrateAll(t.Context(), opts)
	testutil.NoError(t, err)
	testutil.Equal(t, 23, report.MigratedUsers)
	testutil.Equal(t, 23, store.count())
	testutil.Equal(t, 23, report.Roles.Distribution["collaborateur"])
	testutil.SliceLen(t, report.Checkpoints, 5)
	testutil.Equal(t, 3, report.Checkpoints[4].Processed)
	for i, cp := range report.Checkpoints {
		testutil.Equal(t, i+1, cp.Batch)
	}
}
