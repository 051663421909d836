package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lexledger/lexmigrate/internal/identity"
)

const createStateTablesSQLite = `
CREATE TABLE IF NOT EXISTS _migration_state (
	id               INTEGER PRIMARY KEY CHECK (id = 1),
	phase            TEXT NOT NULL,
	last_rollback_id TEXT,
	updated_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS _migration_checkpoints (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	phase       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	validation  TEXT NOT NULL,
	backup_id   TEXT,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS _migration_checkpoints_phase_idx ON _migration_checkpoints (phase, created_at DESC);

CREATE TABLE IF NOT EXISTS _migration_backups (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	phase       TEXT NOT NULL,
	tables      TEXT NOT NULL,
	size_bytes  INTEGER NOT NULL,
	checksum    TEXT NOT NULL,
	location    TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS _migration_progress (
	run_id      TEXT NOT NULL,
	batch       INTEGER NOT NULL,
	processed   INTEGER NOT NULL,
	succeeded   INTEGER NOT NULL,
	failed      INTEGER NOT NULL,
	recorded_at TEXT NOT NULL,
	PRIMARY KEY (run_id, batch)
);`

// SQLiteStore keeps orchestrator state in a local SQLite file, for runs
// where the target database should hold nothing but migrated data.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:"
// gives a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite state: %w", err)
	}
	// One connection keeps an in-memory database alive and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring sqlite state: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates the _migration_* tables if they do not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createStateTablesSQLite); err != nil {
		return fmt.Errorf("creating orchestrator tables: %w", err)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO _migration_state (id, phase, updated_at) VALUES (1, 'initial', ?)`, s.stamp())
	if err != nil {
		return fmt.Errorf("seeding migration state: %w", err)
	}
	return nil
}

// sqliteTime is fixed width so text order matches time order.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

func (s *SQLiteStore) stamp() string {
	return formatTime(s.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(sqliteTime, s)
}

func (s *SQLiteStore) State(ctx context.Context) (*State, error) {
	var st State
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT phase, COALESCE(last_rollback_id, ''), updated_at FROM _migration_state WHERE id = 1`,
	).Scan(&st.Phase, &st.LastRollbackID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return &State{Phase: PhaseInitial}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading migration state: %w", err)
	}
	if st.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parsing state timestamp: %w", err)
	}
	return &st, nil
}

func (s *SQLiteStore) SetPhase(ctx context.Context, phase Phase) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _migration_state (id, phase, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET phase = excluded.phase, updated_at = excluded.updated_at`,
		string(phase), s.stamp())
	if err != nil {
		return fmt.Errorf("setting phase: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetLastRollback(ctx context.Context, backupID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE _migration_state SET last_rollback_id = NULLIF(?, ''), updated_at = ? WHERE id = 1`, backupID, s.stamp())
	if err != nil {
		return fmt.Errorf("recording rollback: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InsertCheckpoint(ctx context.Context, cp *Checkpoint) error {
	validation, err := json.Marshal(cp.Validation)
	if err != nil {
		return fmt.Errorf("encoding validation: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO _migration_checkpoints (id, name, phase, description, validation, backup_id, created_at)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?)`,
		cp.ID, cp.Name, string(cp.Phase), cp.Description, string(validation), cp.BackupID, formatTime(cp.CreatedAt))
	return sqliteInsertErr("checkpoint", err)
}

const sqliteCheckpointColumns = `id, name, phase, description, validation, COALESCE(backup_id, ''), created_at`

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteCheckpointColumns+` FROM _migration_checkpoints WHERE id = ?`, id)
	cp, err := scanSQLiteCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint %s: %w", id, ErrNotFound)
	}
	return cp, err
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context, phase *Phase) ([]*Checkpoint, error) {
	query := `SELECT ` + sqliteCheckpointColumns + ` FROM _migration_checkpoints`
	var args []any
	if phase != nil {
		query += ` WHERE phase = ?`
		args = append(args, string(*phase))
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []*Checkpoint
	for rows.Next() {
		cp, err := scanSQLiteCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteCheckpoint(row rowScanner) (*Checkpoint, error) {
	var cp Checkpoint
	var validation, created string
	if err := row.Scan(&cp.ID, &cp.Name, &cp.Phase, &cp.Description, &validation, &cp.BackupID, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(validation), &cp.Validation); err != nil {
		return nil, fmt.Errorf("decoding validation for checkpoint %s: %w", cp.ID, err)
	}
	var err error
	if cp.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parsing checkpoint timestamp: %w", err)
	}
	return &cp, nil
}

func (s *SQLiteStore) InsertBackup(ctx context.Context, b *Backup) error {
	tables, err := json.Marshal(b.Tables)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO _migration_backups (id, kind, description, phase, tables, size_bytes, checksum, location, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, string(b.Kind), b.Description, string(b.Phase), string(tables), b.SizeBytes,
		b.Checksum, b.Location, string(b.Status), formatTime(b.CreatedAt))
	return sqliteInsertErr("backup", err)
}

const sqliteBackupColumns = `id, kind, description, phase, tables, size_bytes, checksum, location, status, created_at`

func (s *SQLiteStore) GetBackup(ctx context.Context, id string) (*Backup, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteBackupColumns+` FROM _migration_backups WHERE id = ?`, id)
	b, err := scanSQLiteBackup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("backup %s: %w", id, ErrNotFound)
	}
	return b, err
}

func (s *SQLiteStore) ListBackups(ctx context.Context) ([]*Backup, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteBackupColumns+` FROM _migration_backups ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying backups: %w", err)
	}
	defer rows.Close()

	var backups []*Backup
	for rows.Next() {
		b, err := scanSQLiteBackup(rows)
		if err != nil {
			return nil, err
		}
		backups = append(backups, b)
	}
	return backups, rows.Err()
}

func scanSQLiteBackup(row rowScanner) (*Backup, error) {
	var b Backup
	var tables, created string
	if err := row.Scan(&b.ID, &b.Kind, &b.Description, &b.Phase, &tables, &b.SizeBytes,
		&b.Checksum, &b.Location, &b.Status, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tables), &b.Tables); err != nil {
		return nil, fmt.Errorf("decoding manifest for backup %s: %w", b.ID, err)
	}
	var err error
	if b.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parsing backup timestamp: %w", err)
	}
	return &b, nil
}

func (s *SQLiteStore) DeleteBackup(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM _migration_backups WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting backup: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("backup %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) RecordBatch(ctx context.Context, runID string, cp identity.BatchCheckpoint) error {
	at := cp.At
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _migration_progress (run_id, batch, processed, succeeded, failed, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, batch) DO UPDATE SET
			processed = excluded.processed, succeeded = excluded.succeeded,
			failed = excluded.failed, recorded_at = excluded.recorded_at`,
		runID, cp.Batch, cp.Processed, cp.Succeeded, cp.Failed, formatTime(at))
	if err != nil {
		return fmt.Errorf("recording batch %d: %w", cp.Batch, err)
	}
	return nil
}

func (s *SQLiteStore) ListProgress(ctx context.Context, runID string) ([]identity.BatchCheckpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT batch, processed, succeeded, failed, recorded_at
		FROM _migration_progress WHERE run_id = ? ORDER BY batch`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying progress: %w", err)
	}
	defer rows.Close()

	var out []identity.BatchCheckpoint
	for rows.Next() {
		var cp identity.BatchCheckpoint
		var at string
		if err := rows.Scan(&cp.Batch, &cp.Processed, &cp.Succeeded, &cp.Failed, &at); err != nil {
			return nil, err
		}
		if cp.At, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("parsing progress timestamp: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func sqliteInsertErr(what string, err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%s: %w", what, ErrDuplicate)
	}
	return fmt.Errorf("inserting %s: %w", what, err)
}
