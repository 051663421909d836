package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createLogsTable = `
CREATE TABLE IF NOT EXISTS _migration_logs (
	id          BIGSERIAL PRIMARY KEY,
	level       TEXT NOT NULL,
	phase       TEXT NOT NULL DEFAULT '',
	operation   TEXT NOT NULL,
	message     TEXT NOT NULL,
	stack       TEXT,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	remediation TEXT,
	metadata    JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS _migration_logs_phase_idx ON _migration_logs (phase, created_at DESC);`

const logColumns = `id, level, phase, operation, message, COALESCE(stack, ''), duration_ms,
	COALESCE(remediation, ''), metadata, created_at`

// PGLogger appends entries to the _migration_logs table. Insert failures
// are reported through the fallback logger and never returned.
type PGLogger struct {
	pool     *pgxpool.Pool
	fallback *slog.Logger
}

// NewPG returns a logger writing to pool.
func NewPG(pool *pgxpool.Pool, fallback *slog.Logger) *PGLogger {
	return &PGLogger{pool: pool, fallback: fallback}
}

// Migrate creates the log table if it does not exist.
func (l *PGLogger) Migrate(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, createLogsTable); err != nil {
		return fmt.Errorf("creating _migration_logs: %w", err)
	}
	return nil
}

func (l *PGLogger) Log(ctx context.Context, e Entry) {
	var meta []byte
	if len(e.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(e.Metadata); err != nil {
			l.fallback.Warn("audit metadata not serializable", "operation", e.Operation, "error", err)
		}
	}
	at := e.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	// A cancelled caller still gets its audit record.
	_, err := l.pool.Exec(context.WithoutCancel(ctx),
		`INSERT INTO _migration_logs (level, phase, operation, message, stack, duration_ms, remediation, metadata, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NULLIF($7, ''), $8, $9)`,
		string(e.Level), e.Phase, e.Operation, e.Message, e.Stack, e.DurationMs, e.Remediation, meta, at,
	)
	if err != nil {
		l.fallback.Error("writing audit entry", "operation", e.Operation, "error", err)
	}
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Phase string
	Level Level
	Limit int
}

// List returns the newest entries first.
func (l *PGLogger) List(ctx context.Context, f Filter) ([]Entry, error) {
	var where []string
	var args []any
	if f.Phase != "" {
		args = append(args, f.Phase)
		where = append(where, fmt.Sprintf("phase = $%d", len(args)))
	}
	if f.Level != "" {
		args = append(args, string(f.Level))
		where = append(where, fmt.Sprintf("level = $%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)

	query := "SELECT " + logColumns + " FROM _migration_logs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return nil, fmt.Errorf("scanning audit log: %w", err)
	}
	return entries, nil
}

func scanEntry(row pgx.CollectableRow) (Entry, error) {
	var e Entry
	var level string
	var meta []byte
	if err := row.Scan(&e.ID, &level, &e.Phase, &e.Operation, &e.Message, &e.Stack,
		&e.DurationMs, &e.Remediation, &meta, &e.At); err != nil {
		return e, err
	}
	e.Level = Level(level)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return e, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	return e, nil
}
