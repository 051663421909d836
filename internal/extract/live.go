package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lexledger/lexmigrate/internal/metadata"
)

// internalTablePrefixes lists Supabase-internal and migration bookkeeping
// tables that never belong in the extracted model.
var internalTablePrefixes = []string{
	"_supabase_",
	"_realtime_",
	"_analytics_",
	"_pgsodium_",
	"_prisma_",
	"_migration_",
	"schema_migrations",
	"supabase_migrations",
	"mig_",
}

func isInternalTable(name string) bool {
	for _, prefix := range internalTablePrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// PGLive introspects the public schema of a live legacy database.
type PGLive struct {
	pool *pgxpool.Pool
}

// NewPGLive returns a LiveSource backed by pool.
func NewPGLive(pool *pgxpool.Pool) *PGLive {
	return &PGLive{pool: pool}
}

func (l *PGLive) Introspect(ctx context.Context) (*LiveSchema, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = 'public'
		  AND table_type = 'BASE TABLE'
		ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("querying tables: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scanning table names: %w", err)
	}

	schema := &LiveSchema{}
	for _, name := range names {
		if isInternalTable(name) {
			continue
		}
		t, err := l.table(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("introspecting table %s: %w", name, err)
		}
		schema.Tables = append(schema.Tables, t)
	}

	if schema.Enums, err = l.enums(ctx); err != nil {
		return nil, err
	}
	return schema, nil
}

func (l *PGLive) table(ctx context.Context, name string) (*metadata.Table, error) {
	t := &metadata.Table{
		Schema:      "public",
		Name:        name,
		Constraints: []*metadata.Constraint{},
		Indexes:     []*metadata.Index{},
	}
	rel := pgx.Identifier{"public", name}.Sanitize()

	rows, err := l.pool.Query(ctx, `
		SELECT a.attname, format_type(a.atttypid, a.atttypmod), NOT a.attnotnull,
		       pg_get_expr(d.adbin, d.adrelid), a.attnum::int, a.attidentity <> ''
		FROM pg_attribute a
		LEFT JOIN pg_attrdef d ON d.adrelid = a.attrelid AND d.adnum = a.attnum
		WHERE a.attrelid = $1::regclass AND a.attnum > 0 AND NOT a.attisdropped
		ORDER BY a.attnum`, rel)
	if err != nil {
		return nil, fmt.Errorf("querying columns: %w", err)
	}
	t.Columns, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*metadata.Column, error) {
		c := &metadata.Column{}
		err := row.Scan(&c.Name, &c.Type, &c.Nullable, &c.Default, &c.Position, &c.Identity)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning columns: %w", err)
	}

	rows, err = l.pool.Query(ctx, `
		SELECT c.conname, c.contype::text, pg_get_constraintdef(c.oid),
		       ARRAY(SELECT a.attname::text FROM unnest(c.conkey) WITH ORDINALITY k(n, ord)
		             JOIN pg_attribute a ON a.attrelid = c.conrelid AND a.attnum = k.n ORDER BY k.ord),
		       COALESCE(rn.nspname, ''), COALESCE(rt.relname, ''),
		       ARRAY(SELECT a.attname::text FROM unnest(c.confkey) WITH ORDINALITY k(n, ord)
		             JOIN pg_attribute a ON a.attrelid = c.confrelid AND a.attnum = k.n ORDER BY k.ord),
		       c.confdeltype::text, c.confupdtype::text
		FROM pg_constraint c
		LEFT JOIN pg_class rt ON rt.oid = c.confrelid
		LEFT JOIN pg_namespace rn ON rn.oid = rt.relnamespace
		WHERE c.conrelid = $1::regclass AND c.contype IN ('p', 'u', 'f', 'c')
		ORDER BY c.conname`, rel)
	if err != nil {
		return nil, fmt.Errorf("querying constraints: %w", err)
	}
	t.Constraints, err = pgx.CollectRows(rows, scanLiveConstraint)
	if err != nil {
		return nil, fmt.Errorf("scanning constraints: %w", err)
	}

	rows, err = l.pool.Query(ctx, `
		SELECT i.relname, ix.indisunique, am.amname,
		       ARRAY(SELECT pg_get_indexdef(ix.indexrelid, k + 1, true)
		             FROM generate_subscripts(ix.indkey, 1) AS k ORDER BY k)
		FROM pg_index ix
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_am am ON am.oid = i.relam
		WHERE ix.indrelid = $1::regclass
		  AND NOT EXISTS (SELECT 1 FROM pg_constraint c WHERE c.conindid = ix.indexrelid)
		ORDER BY i.relname`, rel)
	if err != nil {
		return nil, fmt.Errorf("querying indexes: %w", err)
	}
	t.Indexes, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*metadata.Index, error) {
		idx := &metadata.Index{}
		err := row.Scan(&idx.Name, &idx.Unique, &idx.Method, &idx.Columns)
		return idx, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning indexes: %w", err)
	}

	if err := l.pool.QueryRow(ctx,
		`SELECT relrowsecurity FROM pg_class WHERE oid = $1::regclass`, rel,
	).Scan(&t.RLSEnabled); err != nil {
		return nil, fmt.Errorf("querying row level security: %w", err)
	}

	refreshColumnFlags(t)
	return t, nil
}

func scanLiveConstraint(row pgx.CollectableRow) (*metadata.Constraint, error) {
	c := &metadata.Constraint{}
	var kind, refSchema, onDelete, onUpdate string
	if err := row.Scan(&c.Name, &kind, &c.Definition, &c.Columns, &refSchema, &c.RefTable,
		&c.RefColumns, &onDelete, &onUpdate); err != nil {
		return nil, err
	}
	switch kind {
	case "p":
		c.Kind = metadata.KindPrimaryKey
	case "u":
		c.Kind = metadata.KindUnique
	case "f":
		c.Kind = metadata.KindForeignKey
		if refSchema != "public" {
			c.RefSchema = refSchema
		}
		c.OnDelete = refAction(onDelete)
		c.OnUpdate = refAction(onUpdate)
	default:
		c.Kind = metadata.KindCheck
	}
	if c.Kind != metadata.KindForeignKey {
		c.RefColumns = nil
	}
	return c, nil
}

// refAction decodes pg_constraint.confdeltype. NO ACTION is the default and
// reported as empty.
func refAction(code string) string {
	switch code {
	case "r":
		return "RESTRICT"
	case "c":
		return "CASCADE"
	case "n":
		return "SET NULL"
	case "d":
		return "SET DEFAULT"
	default:
		return ""
	}
}

func (l *PGLive) enums(ctx context.Context) ([]*metadata.Enum, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT t.typname, array_agg(e.enumlabel::text ORDER BY e.enumsortorder)
		FROM pg_type t
		JOIN pg_enum e ON e.enumtypid = t.oid
		JOIN pg_namespace n ON n.oid = t.typnamespace
		WHERE n.nspname = 'public'
		GROUP BY t.typname
		ORDER BY t.typname`)
	if err != nil {
		return nil, fmt.Errorf("querying enums: %w", err)
	}
	enums, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*metadata.Enum, error) {
		e := &metadata.Enum{}
		err := row.Scan(&e.Name, &e.Values)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning enums: %w", err)
	}
	return enums, nil
}
