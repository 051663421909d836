package orchestrator

import (
	"context"

	"github.com/lexledger/lexmigrate/internal/identity"
)

// Store persists orchestrator state. Lookups return ErrNotFound when no row
// matches. It also records identity batch progress.
type Store interface {
	Migrate(ctx context.Context) error

	State(ctx context.Context) (*State, error)
	SetPhase(ctx context.Context, phase Phase) error
	SetLastRollback(ctx context.Context, backupID string) error

	InsertCheckpoint(ctx context.Context, cp *Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)
	// ListCheckpoints returns checkpoints newest first, optionally for one phase.
	ListCheckpoints(ctx context.Context, phase *Phase) ([]*Checkpoint, error)

	InsertBackup(ctx context.Context, b *Backup) error
	GetBackup(ctx context.Context, id string) (*Backup, error)
	// ListBackups returns backups newest first.
	ListBackups(ctx context.Context) ([]*Backup, error)
	DeleteBackup(ctx context.Context, id string) error

	identity.ProgressRecorder
	ListProgress(ctx context.Context, runID string) ([]identity.BatchCheckpoint, error)
}
