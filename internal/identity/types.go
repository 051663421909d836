package identity

import (
	"time"

	"github.com/lexledger/lexmigrate/internal/migrate"
)

// Status is the outcome of migrating one account.
type Status string

const (
	StatusPending       Status = "pending"
	StatusSuccess       Status = "success"
	StatusFailed        Status = "failed"
	StatusPasswordReset Status = "requires-password-reset"
	StatusManualReview  Status = "requires-manual-review"
)

// PasswordStrategy decides what credential a migrated account receives.
type PasswordStrategy string

const (
	// StrategyTemporaryOnly hashes a random secret and forces a reset.
	StrategyTemporaryOnly PasswordStrategy = "temporary-only"
	// StrategyHashMigration keeps a valid legacy bcrypt hash, falling back
	// to StrategyTemporaryOnly.
	StrategyHashMigration PasswordStrategy = "hash-migration-attempt"
	// StrategyResetRequired stores an unusable hash and forces a reset.
	StrategyResetRequired PasswordStrategy = "reset-required"
)

// ParseStrategy validates s.
func ParseStrategy(s string) (PasswordStrategy, error) {
	switch p := PasswordStrategy(s); p {
	case StrategyTemporaryOnly, StrategyHashMigration, StrategyResetRequired:
		return p, nil
	case "":
		return StrategyTemporaryOnly, nil
	}
	return "", ErrInvalidStrategy
}

// Account is a user exported from the legacy identity provider.
type Account struct {
	ID            string
	Email         string
	PasswordHash  string
	EmailVerified bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Metadata      map[string]any
}

// Profile is the public profile row attached to an account.
type Profile struct {
	UserID   string
	FullName string
	Data     map[string]any
}

// RoleGrant is one legacy role assignment.
type RoleGrant struct {
	UserID string
	Role   string
}

// NewUser is an account as written to the target store.
type NewUser struct {
	ID                string
	Email             string
	PasswordHash      string
	MustResetPassword bool
	EmailVerified     bool
	LegacyID          string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	Profile           *Profile
	Roles             []string
}

// User is an account read back from the target store.
type User struct {
	ID                string
	Email             string
	MustResetPassword bool
	LegacyID          string
}

// Result is the outcome for one exported account.
type Result struct {
	LegacyID    string   `json:"legacyId"`
	NewID       string   `json:"newId,omitempty"`
	Email       string   `json:"email"`
	Status      Status   `json:"status"`
	Roles       []string `json:"roles,omitempty"`
	FailedRoles []string `json:"failedRoles,omitempty"`
	Skipped     bool     `json:"skipped,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// RoleSummary aggregates role grants across the run. Distribution values
// sum to MigratedRoles.
type RoleSummary struct {
	TotalGrants     int            `json:"totalGrants"`
	MigratedRoles   int            `json:"migratedRoles"`
	FailedRoles     int            `json:"failedRoles"`
	UniqueRoleTypes []string       `json:"uniqueRoleTypes"`
	Distribution    map[string]int `json:"distribution"`
	FailedByType    map[string]int `json:"failedByType"`
}

// PasswordSummary counts credentials by how they were produced.
type PasswordSummary struct {
	Strategy      PasswordStrategy `json:"strategy"`
	Temporary     int              `json:"temporary"`
	Preserved     int              `json:"preserved"`
	ResetRequired int              `json:"resetRequired"`
	Degraded      int              `json:"degraded"`
}

// BatchCheckpoint is recorded after every batch.
type BatchCheckpoint struct {
	Batch     int       `json:"batch"`
	Processed int       `json:"processed"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	At        time.Time `json:"at"`
}

// Discrepancy is a mismatch found by the validation pass.
type Discrepancy struct {
	Email   string   `json:"email"`
	UserID  string   `json:"userId"`
	Missing []string `json:"missing,omitempty"`
	Extra   []string `json:"extra,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// ValidationReport is the outcome of the read-only validation pass.
type ValidationReport struct {
	Checked       int           `json:"checked"`
	Passed        int           `json:"passed"`
	Discrepancies []Discrepancy `json:"discrepancies,omitempty"`
}

// Report summarizes a MigrateAll run.
type Report struct {
	RunID         string            `json:"runId"`
	DryRun        bool              `json:"dryRun"`
	TotalUsers    int               `json:"totalUsers"`
	MigratedUsers int               `json:"migratedUsers"`
	SkippedUsers  int               `json:"skippedUsers"`
	FailedUsers   int               `json:"failedUsers"`
	ManualReview  int               `json:"manualReview"`
	Roles         RoleSummary       `json:"roles"`
	Passwords     PasswordSummary   `json:"passwords"`
	Checkpoints   []BatchCheckpoint `json:"checkpoints"`
	Validation    *ValidationReport `json:"validation,omitempty"`
	Results       []Result          `json:"results"`
	Errors        []string          `json:"errors,omitempty"`
	StartedAt     time.Time         `json:"startedAt"`
	CompletedAt   time.Time         `json:"completedAt"`
	Cancelled     bool              `json:"cancelled,omitempty"`
}

// Options controls MigrateAll.
type Options struct {
	BatchSize        int
	PasswordStrategy PasswordStrategy
	PreserveIDs      bool
	ContinueOnError  bool
	DryRun           bool
	Validate         bool
	// Concurrency is the number of workers per batch.
	Concurrency int
	RunID       string
	Recorder    ProgressRecorder
	Progress    migrate.ProgressReporter
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		BatchSize:        50,
		PasswordStrategy: StrategyTemporaryOnly,
		PreserveIDs:      true,
		ContinueOnError:  true,
		Validate:         true,
		Concurrency:      1,
	}
}
