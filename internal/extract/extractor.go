// Package extract builds a metadata.ExtractionResult from a directory of
// legacy SQL migration files, optionally enriched with the live legacy
// schema, and validates it for completeness and referential integrity.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lexledger/lexmigrate/internal/auditlog"
	"github.com/lexledger/lexmigrate/internal/ddl"
	"github.com/lexledger/lexmigrate/internal/metadata"
)

const auditPhase = "schema_extracted"

// Options controls one extraction run.
type Options struct {
	// MigrationPath is a directory of .sql files or a single file.
	MigrationPath string
	// IncludeLiveSchema merges tables found in the live legacy database
	// that no migration file declares.
	IncludeLiveSchema bool
	// ExportPath, when set, receives the result as JSON or YAML.
	ExportPath string
}

// LiveSource introspects the running legacy database.
type LiveSource interface {
	Introspect(ctx context.Context) (*LiveSchema, error)
}

// LiveSchema is what a LiveSource reports.
type LiveSchema struct {
	Tables []*metadata.Table
	Enums  []*metadata.Enum
}

// Extractor turns migration files into the metadata model.
type Extractor struct {
	logger *slog.Logger
	audit  auditlog.Logger
	live   LiveSource
	now    func() time.Time
}

// New returns an Extractor. live may be nil when no legacy database is configured.
func New(logger *slog.Logger, audit auditlog.Logger, live LiveSource) *Extractor {
	if audit == nil {
		audit = auditlog.Nop{}
	}
	return &Extractor{logger: logger, audit: audit, live: live, now: time.Now}
}

// Extract reads every migration file in lexical order and applies its
// statements. It fails only when the input cannot be read; malformed
// statements become warnings on the result.
func (e *Extractor) Extract(ctx context.Context, opts Options) (*metadata.ExtractionResult, error) {
	op := auditlog.Start(e.audit, auditPhase, "schema.extract").With("path", opts.MigrationPath)

	files, err := migrationFiles(opts.MigrationPath)
	if err != nil {
		op.DoneWithHint(ctx, err, "point migrations_path at the legacy supabase/migrations directory")
		return nil, err
	}

	b := newBuilder()
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			xerr := &ExtractionError{Path: path, Err: err}
			op.Done(ctx, xerr)
			return nil, xerr
		}
		b.file = filepath.Base(path)
		stmts, diags := ddl.Parse(string(data))
		for _, d := range diags {
			b.warnf(d.Line, "%s", d.Message)
		}
		for _, st := range stmts {
			b.apply(st)
		}
	}

	if opts.IncludeLiveSchema {
		e.mergeLive(ctx, b)
	}

	result := b.result(files, e.now().UTC())
	for _, w := range result.Warnings {
		e.logger.Warn("schema extraction", "warning", w)
		auditlog.Warn(ctx, e.audit, auditPhase, "schema.extract", w)
	}

	if opts.ExportPath != "" {
		if err := Export(result, opts.ExportPath); err != nil {
			op.Done(ctx, err)
			return nil, err
		}
	}

	e.logger.Info("schema extracted",
		"files", len(files),
		"tables", len(result.Tables),
		"enums", len(result.Enums),
		"warnings", len(result.Warnings),
	)
	op.With("tables", len(result.Tables)).With("enums", len(result.Enums)).Done(ctx, nil)
	return result, nil
}

func (e *Extractor) mergeLive(ctx context.Context, b *builder) {
	b.file = "live"
	if e.live == nil {
		b.warnf(0, "live schema requested but no legacy database is configured")
		return
	}
	live, err := e.live.Introspect(ctx)
	if err != nil {
		b.warnf(0, "live schema unavailable: %v", err)
		return
	}
	for _, t := range live.Tables {
		if _, ok := b.byName[t.Name]; ok {
			continue
		}
		b.warnf(0, "table %s exists in the live schema but in no migration file", t.Name)
		b.tables = append(b.tables, t)
		b.byName[t.Name] = t
	}
	for _, en := range live.Enums {
		if b.enum(en.Name) == nil {
			b.enums = append(b.enums, en)
		}
	}
}

// migrationFiles lists the .sql files under path in lexical order.
func migrationFiles(path string) ([]string, error) {
	if path == "" {
		return nil, &ExtractionError{Path: "(empty)", Err: errors.New("migration path is required")}
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, &ExtractionError{Path: path, Err: err}
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, &ExtractionError{Path: path, Err: err}
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".sql") {
			continue
		}
		files = append(files, filepath.Join(path, entry.Name()))
	}
	if len(files) == 0 {
		return nil, &ExtractionError{Path: path, Err: ErrNoMigrationFiles}
	}
	return files, nil
}

func (b *builder) warnf(line int, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if line > 0 {
		msg = fmt.Sprintf("%s:%d: %s", b.file, line, msg)
	} else if b.file != "" {
		msg = b.file + ": " + msg
	}
	b.warnings = append(b.warnings, msg)
}
