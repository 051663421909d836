package orchestrator

import "time"

// State is the single row of _migration_state.
type State struct {
	Phase          Phase     `json:"phase"`
	LastRollbackID string    `json:"lastRollbackId,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// ValidationCheck is one named check run by a phase validator.
type ValidationCheck struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// ValidationResults is the outcome of a phase validator.
type ValidationResults struct {
	Valid    bool              `json:"valid"`
	Checks   []ValidationCheck `json:"checks"`
	Warnings []string          `json:"warnings,omitempty"`
	// Fingerprint identifies the validated state, e.g. the extracted schema.
	Fingerprint string    `json:"fingerprint,omitempty"`
	CheckedAt   time.Time `json:"checkedAt"`
}

func (v *ValidationResults) add(name string, passed bool, msg string) {
	v.Checks = append(v.Checks, ValidationCheck{Name: name, Passed: passed, Message: msg})
}

// Checkpoint is an immutable record of a validated point in the migration.
type Checkpoint struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Phase       Phase             `json:"phase"`
	Description string            `json:"description,omitempty"`
	Validation  ValidationResults `json:"validation"`
	BackupID    string            `json:"backupId,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// BackupKind records why a backup was taken.
type BackupKind string

const (
	BackupManual     BackupKind = "manual"
	BackupCheckpoint BackupKind = "checkpoint"
	BackupSafety     BackupKind = "safety"
	BackupScheduled  BackupKind = "scheduled"
)

// BackupStatus is the lifecycle state of a backup.
type BackupStatus string

const (
	BackupCompleted BackupStatus = "completed"
	BackupFailed    BackupStatus = "failed"
)

// BackupTable is one manifest entry.
type BackupTable struct {
	Name string `json:"name"`
	Rows int64  `json:"rows"`
}

// Backup describes a stored snapshot payload.
type Backup struct {
	ID          string        `json:"id"`
	Kind        BackupKind    `json:"kind"`
	Description string        `json:"description,omitempty"`
	Phase       Phase         `json:"phase"`
	Tables      []BackupTable `json:"tables"`
	SizeBytes   int64         `json:"sizeBytes"`
	Checksum    string        `json:"checksum"`
	Location    string        `json:"location"`
	Status      BackupStatus  `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// RowCount sums the manifest.
func (b *Backup) RowCount() int64 {
	var n int64
	for _, t := range b.Tables {
		n += t.Rows
	}
	return n
}

// CompleteBackupResult is returned by CreateCompleteBackup.
type CompleteBackupResult struct {
	Backup     *Backup  `json:"backup"`
	DurationMs int64    `json:"durationMs"`
	Warnings   []string `json:"warnings,omitempty"`
}

// IntegrityReport is the outcome of ValidateBackupIntegrity.
type IntegrityReport struct {
	BackupID         string   `json:"backupId"`
	Valid            bool     `json:"valid"`
	Issues           []string `json:"issues,omitempty"`
	ExpectedChecksum string   `json:"expectedChecksum"`
	ActualChecksum   string   `json:"actualChecksum"`
	ExpectedSize     int64    `json:"expectedSize"`
	ActualSize       int64    `json:"actualSize"`
}

// RollbackResult is returned by the rollback operations.
type RollbackResult struct {
	BackupID       string `json:"backupId"`
	SafetyBackupID string `json:"safetyBackupId,omitempty"`
	TablesRestored int    `json:"tablesRestored"`
	RowsRestored   int64  `json:"rowsRestored"`
	Phase          Phase  `json:"phase"`
}

// ProgressionCheck is the outcome of ValidateCheckpointBeforeProgression.
type ProgressionCheck struct {
	Valid      bool              `json:"valid"`
	Checkpoint *Checkpoint       `json:"checkpoint,omitempty"`
	Validation ValidationResults `json:"validationResults"`
}

// Status summarizes the migration for the status endpoint.
type Status struct {
	Phase       Phase                 `json:"phase"`
	NextPhase   Phase                 `json:"nextPhase,omitempty"`
	UpdatedAt   time.Time             `json:"updatedAt"`
	Checkpoints map[Phase]*Checkpoint `json:"checkpoints"`
	Backups     int                   `json:"backups"`
}
