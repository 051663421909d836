package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const foreignKeysQuery = `
	SELECT a.attname, rn.nspname, rc.relname, ra.attname
	FROM pg_constraint c
	JOIN pg_class cl ON cl.oid = c.conrelid
	JOIN pg_namespace n ON n.oid = cl.relnamespace
	JOIN pg_class rc ON rc.oid = c.confrelid
	JOIN pg_namespace rn ON rn.oid = rc.relnamespace
	JOIN pg_attribute a ON a.attrelid = c.conrelid AND a.attnum = c.conkey[1]
	JOIN pg_attribute ra ON ra.attrelid = c.confrelid AND ra.attnum = c.confkey[1]
	WHERE c.contype = 'f' AND array_length(c.conkey, 1) = 1
	  AND n.nspname = $1 AND cl.relname = $2
	ORDER BY c.conname`

type foreignKey struct {
	column    string
	refSchema string
	refTable  string
	refColumn string
}

// PGSampler samples tables in the target database. Only single-column
// foreign keys are checked for orphans.
type PGSampler struct {
	pool *pgxpool.Pool
}

// NewPGSampler samples through pool.
func NewPGSampler(pool *pgxpool.Pool) *PGSampler {
	return &PGSampler{pool: pool}
}

// Sample reads up to n rows of table ("schema.table" or a public table),
// timing the read, and counts sampled rows whose foreign keys dangle.
func (s *PGSampler) Sample(ctx context.Context, table string, n int) (SampleResult, error) {
	schema, name := splitTable(table)
	ident := pgx.Identifier{schema, name}.Sanitize()

	var res SampleResult
	start := time.Now()
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM (SELECT 1 FROM %s LIMIT %d) s`, ident, n)).Scan(&res.Rows)
	res.Latency = time.Since(start)
	if err != nil {
		return res, fmt.Errorf("sampling %s: %w", table, err)
	}

	rows, err := s.pool.Query(ctx, foreignKeysQuery, schema, name)
	if err != nil {
		return res, fmt.Errorf("listing foreign keys of %s: %w", table, err)
	}
	fks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (foreignKey, error) {
		var fk foreignKey
		err := row.Scan(&fk.column, &fk.refSchema, &fk.refTable, &fk.refColumn)
		return fk, err
	})
	if err != nil {
		return res, fmt.Errorf("reading foreign keys of %s: %w", table, err)
	}

	for _, fk := range fks {
		col := pgx.Identifier{fk.column}.Sanitize()
		ref := pgx.Identifier{fk.refSchema, fk.refTable}.Sanitize()
		refCol := pgx.Identifier{fk.refColumn}.Sanitize()
		q := fmt.Sprintf(`
			SELECT count(*) FROM (SELECT %[1]s AS v FROM %[2]s LIMIT %[3]d) s
			WHERE s.v IS NOT NULL AND NOT EXISTS (SELECT 1 FROM %[4]s r WHERE r.%[5]s = s.v)`,
			col, ident, n, ref, refCol)
		var orphans int
		if err := s.pool.QueryRow(ctx, q).Scan(&orphans); err != nil {
			return res, fmt.Errorf("checking %s.%s: %w", table, fk.column, err)
		}
		if orphans > 0 {
			res.Orphans = append(res.Orphans,
				fmt.Sprintf("%s.%s: %d sampled rows reference missing %s.%s", table, fk.column, orphans, fk.refTable, fk.refColumn))
		}
	}
	return res, nil
}

func splitTable(table string) (string, string) {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return schema, name
	}
	return "public", table
}
