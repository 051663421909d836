package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lexledger/lexmigrate/internal/identity"
)

const createStateTablesPG = `
CREATE TABLE IF NOT EXISTS _migration_state (
	id               INT PRIMARY KEY CHECK (id = 1),
	phase            TEXT NOT NULL,
	last_rollback_id TEXT,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
INSERT INTO _migration_state (id, phase) VALUES (1, 'initial') ON CONFLICT (id) DO NOTHING;

CREATE TABLE IF NOT EXISTS _migration_checkpoints (
	id          UUID PRIMARY KEY,
	name        TEXT NOT NULL,
	phase       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	validation  JSONB NOT NULL,
	backup_id   UUID,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS _migration_checkpoints_phase_idx ON _migration_checkpoints (phase, created_at DESC);

CREATE TABLE IF NOT EXISTS _migration_backups (
	id          UUID PRIMARY KEY,
	kind        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	phase       TEXT NOT NULL,
	tables      JSONB NOT NULL,
	size_bytes  BIGINT NOT NULL,
	checksum    TEXT NOT NULL,
	location    TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS _migration_progress (
	run_id      TEXT NOT NULL,
	batch       INT NOT NULL,
	processed   INT NOT NULL,
	succeeded   INT NOT NULL,
	failed      INT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, batch)
);`

const (
	checkpointColumns = `id::text, name, phase, description, validation, COALESCE(backup_id::text, ''), created_at`
	backupColumns     = `id::text, kind, description, phase, tables, size_bytes, checksum, location, status, created_at`
)

// PGStore keeps orchestrator state in the target Postgres database.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a store on pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Migrate creates the _migration_* tables if they do not exist.
func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createStateTablesPG); err != nil {
		return fmt.Errorf("creating orchestrator tables: %w", err)
	}
	return nil
}

func (s *PGStore) State(ctx context.Context) (*State, error) {
	var st State
	err := s.pool.QueryRow(ctx,
		`SELECT phase, COALESCE(last_rollback_id, ''), updated_at FROM _migration_state WHERE id = 1`,
	).Scan(&st.Phase, &st.LastRollbackID, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &State{Phase: PhaseInitial}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading migration state: %w", err)
	}
	return &st, nil
}

func (s *PGStore) SetPhase(ctx context.Context, phase Phase) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO _migration_state (id, phase, updated_at) VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET phase = EXCLUDED.phase, updated_at = now()`, string(phase))
	if err != nil {
		return fmt.Errorf("setting phase: %w", err)
	}
	return nil
}

func (s *PGStore) SetLastRollback(ctx context.Context, backupID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE _migration_state SET last_rollback_id = NULLIF($1, ''), updated_at = now() WHERE id = 1`, backupID)
	if err != nil {
		return fmt.Errorf("recording rollback: %w", err)
	}
	return nil
}

func (s *PGStore) InsertCheckpoint(ctx context.Context, cp *Checkpoint) error {
	validation, err := json.Marshal(cp.Validation)
	if err != nil {
		return fmt.Errorf("encoding validation: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO _migration_checkpoints (id, name, phase, description, validation, backup_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, '')::uuid, $7)`,
		cp.ID, cp.Name, string(cp.Phase), cp.Description, validation, cp.BackupID, cp.CreatedAt)
	return mapInsertErr("checkpoint", err)
}

func (s *PGStore) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+checkpointColumns+` FROM _migration_checkpoints WHERE id::text = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("querying checkpoint: %w", err)
	}
	cp, err := pgx.CollectExactlyOneRow(rows, scanCheckpoint)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	return cp, nil
}

func (s *PGStore) ListCheckpoints(ctx context.Context, phase *Phase) ([]*Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM _migration_checkpoints`
	var args []any
	if phase != nil {
		query += ` WHERE phase = $1`
		args = append(args, string(*phase))
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying checkpoints: %w", err)
	}
	cps, err := pgx.CollectRows(rows, scanCheckpoint)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoints: %w", err)
	}
	return cps, nil
}

func scanCheckpoint(row pgx.CollectableRow) (*Checkpoint, error) {
	var cp Checkpoint
	var validation []byte
	if err := row.Scan(&cp.ID, &cp.Name, &cp.Phase, &cp.Description, &validation, &cp.BackupID, &cp.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(validation, &cp.Validation); err != nil {
		return nil, fmt.Errorf("decoding validation for checkpoint %s: %w", cp.ID, err)
	}
	return &cp, nil
}

func (s *PGStore) InsertBackup(ctx context.Context, b *Backup) error {
	tables, err := json.Marshal(b.Tables)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO _migration_backups (id, kind, description, phase, tables, size_bytes, checksum, location, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		b.ID, string(b.Kind), b.Description, string(b.Phase), tables, b.SizeBytes, b.Checksum, b.Location, string(b.Status), b.CreatedAt)
	return mapInsertErr("backup", err)
}

func (s *PGStore) GetBackup(ctx context.Context, id string) (*Backup, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+backupColumns+` FROM _migration_backups WHERE id::text = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("querying backup: %w", err)
	}
	b, err := pgx.CollectExactlyOneRow(rows, scanBackup)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("backup %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading backup: %w", err)
	}
	return b, nil
}

func (s *PGStore) ListBackups(ctx context.Context) ([]*Backup, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+backupColumns+` FROM _migration_backups ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("querying backups: %w", err)
	}
	backups, err := pgx.CollectRows(rows, scanBackup)
	if err != nil {
		return nil, fmt.Errorf("reading backups: %w", err)
	}
	return backups, nil
}

func scanBackup(row pgx.CollectableRow) (*Backup, error) {
	var b Backup
	var tables []byte
	if err := row.Scan(&b.ID, &b.Kind, &b.Description, &b.Phase, &tables, &b.SizeBytes,
		&b.Checksum, &b.Location, &b.Status, &b.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tables, &b.Tables); err != nil {
		return nil, fmt.Errorf("decoding manifest for backup %s: %w", b.ID, err)
	}
	return &b, nil
}

func (s *PGStore) DeleteBackup(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM _migration_backups WHERE id::text = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting backup: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("backup %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordBatch upserts one identity batch checkpoint.
func (s *PGStore) RecordBatch(ctx context.Context, runID string, cp identity.BatchCheckpoint) error {
	at := cp.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO _migration_progress (run_id, batch, processed, succeeded, failed, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id, batch) DO UPDATE SET
			processed = EXCLUDED.processed, succeeded = EXCLUDED.succeeded,
			failed = EXCLUDED.failed, recorded_at = EXCLUDED.recorded_at`,
		runID, cp.Batch, cp.Processed, cp.Succeeded, cp.Failed, at)
	if err != nil {
		return fmt.Errorf("recording batch %d: %w", cp.Batch, err)
	}
	return nil
}

func (s *PGStore) ListProgress(ctx context.Context, runID string) ([]identity.BatchCheckpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT batch, processed, succeeded, failed, recorded_at
		FROM _migration_progress WHERE run_id = $1 ORDER BY batch`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying progress: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (identity.BatchCheckpoint, error) {
		var cp identity.BatchCheckpoint
		err := row.Scan(&cp.Batch, &cp.Processed, &cp.Succeeded, &cp.Failed, &cp.At)
		return cp, err
	})
}

func mapInsertErr(what string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", what, ErrDuplicate)
	}
	return fmt.Errorf("inserting %s: %w", what, err)
}
