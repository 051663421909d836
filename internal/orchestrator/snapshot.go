package orchestrator

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lexledger/lexmigrate/internal/txretry"
)

const (
	payloadFormat  = "lexmigrate-backup"
	payloadVersion = 1
)

// DefaultSnapshotTables are the migration-owned tables captured by default,
// in load order.
var DefaultSnapshotTables = []string{"mig_users", "mig_user_profiles", "mig_user_roles"}

// Snapshotter captures and reloads the migration-owned tables.
type Snapshotter interface {
	// Snapshot writes a payload to w and returns its manifest.
	Snapshot(ctx context.Context, w io.Writer) ([]BackupTable, error)
	// Restore replaces the captured tables with the payload read from r.
	Restore(ctx context.Context, r io.Reader) (tables int, rows int64, err error)
}

type payloadHeader struct {
	Format    string        `json:"format"`
	Version   int           `json:"version"`
	CreatedAt time.Time     `json:"createdAt"`
	Tables    []BackupTable `json:"tables"`
}

type payloadRow struct {
	Table string          `json:"table"`
	Row   json.RawMessage `json:"row"`
}

// payloadWriter encodes the gzip JSON-lines format: one header line followed
// by one line per row, grouped by table in manifest order.
type payloadWriter struct {
	gz  *gzip.Writer
	enc *json.Encoder
}

func newPayloadWriter(w io.Writer, tables []BackupTable, at time.Time) (*payloadWriter, error) {
	gz := gzip.NewWriter(w)
	pw := &payloadWriter{gz: gz, enc: json.NewEncoder(gz)}
	hdr := payloadHeader{Format: payloadFormat, Version: payloadVersion, CreatedAt: at.UTC(), Tables: tables}
	if err := pw.enc.Encode(hdr); err != nil {
		return nil, fmt.Errorf("writing payload header: %w", err)
	}
	return pw, nil
}

func (pw *payloadWriter) writeRow(table string, row json.RawMessage) error {
	return pw.enc.Encode(payloadRow{Table: table, Row: row})
}

func (pw *payloadWriter) Close() error {
	return pw.gz.Close()
}

// payload is a fully decoded backup.
type payload struct {
	header payloadHeader
	rows   map[string][]json.RawMessage
}

// readPayload decodes a complete payload. A truncated stream fails with an
// error wrapping io.ErrUnexpectedEOF.
func readPayload(r io.Reader) (*payload, error) {
	gz, err := gzip.NewReader(bufio.NewReader(r))
	if err != nil {
		return nil, fmt.Errorf("opening payload: %w", err)
	}
	defer gz.Close()

	dec := json.NewDecoder(gz)
	p := &payload{rows: make(map[string][]json.RawMessage)}
	if err := dec.Decode(&p.header); err != nil {
		return nil, fmt.Errorf("reading payload header: %w", eofToUnexpected(err))
	}
	if p.header.Format != payloadFormat {
		return nil, fmt.Errorf("unexpected payload format %q", p.header.Format)
	}
	if p.header.Version != payloadVersion {
		return nil, fmt.Errorf("unsupported payload version %d", p.header.Version)
	}
	known := make(map[string]bool, len(p.header.Tables))
	for _, t := range p.header.Tables {
		known[t.Name] = true
	}

	for {
		var row payloadRow
		err := dec.Decode(&row)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading payload row: %w", err)
		}
		if !known[row.Table] {
			return nil, fmt.Errorf("payload row for undeclared table %q", row.Table)
		}
		p.rows[row.Table] = append(p.rows[row.Table], row.Row)
	}
	return p, nil
}

// mismatches compares decoded row counts with the header manifest.
func (p *payload) mismatches() []string {
	var issues []string
	for _, t := range p.header.Tables {
		if got := int64(len(p.rows[t.Name])); got != t.Rows {
			issues = append(issues, fmt.Sprintf("table %s: manifest lists %d rows, payload holds %d", t.Name, t.Rows, got))
		}
	}
	return issues
}

func eofToUnexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// PGSnapshotter snapshots tables in the target Postgres database.
type PGSnapshotter struct {
	pool   *pgxpool.Pool
	tables []string
	policy txretry.Policy
	now    func() time.Time
}

// NewPGSnapshotter captures tables in order, or DefaultSnapshotTables when
// tables is empty. Parents must precede children so reloads satisfy
// foreign keys.
func NewPGSnapshotter(pool *pgxpool.Pool, tables []string, policy txretry.Policy) *PGSnapshotter {
	if len(tables) == 0 {
		tables = DefaultSnapshotTables
	}
	return &PGSnapshotter{pool: pool, tables: tables, policy: policy, now: time.Now}
}

// Snapshot reads every table inside one repeatable-read transaction so the
// manifest counts and the rows agree.
func (s *PGSnapshotter) Snapshot(ctx context.Context, w io.Writer) ([]BackupTable, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("starting snapshot transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	manifest := make([]BackupTable, 0, len(s.tables))
	for _, name := range s.tables {
		var n int64
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM `+quoteTable(name)).Scan(&n); err != nil {
			return nil, fmt.Errorf("counting %s: %w", name, err)
		}
		manifest = append(manifest, BackupTable{Name: name, Rows: n})
	}

	pw, err := newPayloadWriter(w, manifest, s.now())
	if err != nil {
		return nil, err
	}
	for _, name := range s.tables {
		rows, err := tx.Query(ctx, `SELECT row_to_json(t)::text FROM `+quoteTable(name)+` t`)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning %s: %w", name, err)
			}
			if err := pw.writeRow(name, json.RawMessage(raw)); err != nil {
				rows.Close()
				return nil, fmt.Errorf("writing %s: %w", name, err)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
	}
	if err := pw.Close(); err != nil {
		return nil, fmt.Errorf("finishing payload: %w", err)
	}
	return manifest, tx.Commit(ctx)
}

// Restore decodes the whole payload before touching the database, then
// clears and reloads the captured tables in one transaction. Rows are
// deleted children first; nothing outside the captured tables is touched.
// When a table outside the set still references a captured row the restore
// is refused with ErrRestoreBlocked.
func (s *PGSnapshotter) Restore(ctx context.Context, r io.Reader) (int, int64, error) {
	p, err := readPayload(r)
	if err != nil {
		return 0, 0, err
	}
	if issues := p.mismatches(); len(issues) > 0 {
		return 0, 0, fmt.Errorf("%w: %s", ErrIntegrityViolation, issues[0])
	}

	names := make([]string, 0, len(p.header.Tables))
	for _, t := range p.header.Tables {
		names = append(names, quoteTable(t.Name))
	}

	var total int64
	err = txretry.WithTx(ctx, s.pool, s.policy, func(tx pgx.Tx) error {
		total = 0
		if err := checkOutsideReferences(ctx, tx, names); err != nil {
			return err
		}
		for i := len(names) - 1; i >= 0; i-- {
			if _, err := tx.Exec(ctx, `DELETE FROM `+names[i]); err != nil {
				return fmt.Errorf("clearing %s: %w", p.header.Tables[i].Name, blockedByReference(err))
			}
		}
		for i, t := range p.header.Tables {
			insert := `INSERT INTO ` + names[i] + ` SELECT * FROM json_populate_record(NULL::` + names[i] + `, $1::json)`
			for _, row := range p.rows[t.Name] {
				if _, err := tx.Exec(ctx, insert, string(row)); err != nil {
					return fmt.Errorf("reloading %s: %w", t.Name, err)
				}
				total++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return len(p.header.Tables), total, nil
}

// outsideReferencesSQL lists foreign keys from tables outside $1 into
// tables inside it, with the quoted referencing columns.
const outsideReferencesSQL = `
SELECT c.conname, c.conrelid::regclass::text, c.confrelid::regclass::text,
       array(SELECT quote_ident(a.attname)
             FROM unnest(c.conkey) AS k(attnum)
             JOIN pg_attribute a ON a.attrelid = c.conrelid AND a.attnum = k.attnum)
FROM pg_constraint c
WHERE c.contype = 'f'
  AND c.confrelid = ANY($1::text[]::regclass[])
  AND NOT (c.conrelid = ANY($1::text[]::regclass[]))
ORDER BY c.conname`

type outsideReference struct {
	constraint string
	from       string
	to         string
	columns    []string
}

// checkOutsideReferences locks every table that references the captured set
// from outside and refuses when any of them holds a referencing row.
func checkOutsideReferences(ctx context.Context, tx pgx.Tx, names []string) error {
	if len(names) == 0 {
		return nil
	}
	rows, err := tx.Query(ctx, outsideReferencesSQL, names)
	if err != nil {
		return fmt.Errorf("listing foreign keys into captured tables: %w", err)
	}
	refs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (outsideReference, error) {
		var ref outsideReference
		err := row.Scan(&ref.constraint, &ref.from, &ref.to, &ref.columns)
		return ref, err
	})
	if err != nil {
		return fmt.Errorf("listing foreign keys into captured tables: %w", err)
	}

	for _, ref := range refs {
		if _, err := tx.Exec(ctx, `LOCK TABLE `+ref.from+` IN SHARE MODE`); err != nil {
			return fmt.Errorf("locking %s: %w", ref.from, err)
		}
		conds := make([]string, len(ref.columns))
		for i, col := range ref.columns {
			conds[i] = col + ` IS NOT NULL`
		}
		var referenced bool
		q := `SELECT EXISTS (SELECT 1 FROM ` + ref.from + ` WHERE ` + strings.Join(conds, ` AND `) + `)`
		if err := tx.QueryRow(ctx, q).Scan(&referenced); err != nil {
			return fmt.Errorf("checking %s: %w", ref.from, err)
		}
		if referenced {
			return fmt.Errorf("%w: rows in %s reference %s through %s", ErrRestoreBlocked, ref.from, ref.to, ref.constraint)
		}
	}
	return nil
}

// blockedByReference turns a foreign key violation raised while clearing
// into ErrRestoreBlocked.
func blockedByReference(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return fmt.Errorf("%w: %s", ErrRestoreBlocked, pgErr.Message)
	}
	return err
}

func quoteTable(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}
