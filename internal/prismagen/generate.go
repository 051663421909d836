// Package prismagen renders an extracted schema as a Prisma schema document.
//
// Models appear in dependency order (referenced tables first), enums before
// models, and every relation is emitted on both sides. Generation is
// deterministic: the same ExtractionResult always yields the same document.
package prismagen

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/lexledger/lexmigrate/internal/metadata"
)

// Options controls rendering.
type Options struct {
	// OutputPath, when set, receives the document.
	OutputPath string
	// IncludeComments adds a header and per-model source comments.
	IncludeComments bool
	// PreserveSupabaseMetadata records RLS state, policies and triggers as
	// /// comments on each model.
	PreserveSupabaseMetadata bool
	// Provider is the datasource provider. Default "postgresql".
	Provider string
	// DatasourceEnv is the environment variable holding the URL. Default
	// "DATABASE_URL".
	DatasourceEnv string
}

// Result is a generated document and what went into it.
type Result struct {
	Document        string   `json:"document"`
	TablesGenerated int      `json:"tablesGenerated"`
	EnumsGenerated  int      `json:"enumsGenerated"`
	ModelNames      []string `json:"modelNames"`
	Warnings        []string `json:"warnings"`
}

type generator struct {
	result    *metadata.ExtractionResult
	opts      Options
	warnings  []string
	models    map[string]string            // table -> model name
	enumNames map[string]string            // enum -> Prisma enum name
	fields    map[string]nameSet           // table -> claimed field names
	colFields map[string]map[string]string // table -> column -> field name
}

func (g *generator) warnf(format string, args ...any) {
	g.warnings = append(g.warnings, fmt.Sprintf(format, args...))
}

// Generate renders result. The only error is a failed write to
// opts.OutputPath.
func Generate(result *metadata.ExtractionResult, opts Options) (*Result, error) {
	if opts.Provider == "" {
		opts.Provider = "postgresql"
	}
	if opts.DatasourceEnv == "" {
		opts.DatasourceEnv = "DATABASE_URL"
	}
	g := &generator{
		result:    result,
		opts:      opts,
		models:    make(map[string]string),
		enumNames: make(map[string]string),
		fields:    make(map[string]nameSet),
		colFields: make(map[string]map[string]string),
	}
	res := g.render()

	check := ValidateDocument(res.Document)
	for _, e := range check.Errors {
		res.Warnings = append(res.Warnings, "self-check: "+e)
	}

	if opts.OutputPath != "" {
		if err := writeDocument(opts.OutputPath, res.Document); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func writeDocument(path, doc string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		return fmt.Errorf("writing prisma schema: %w", err)
	}
	return nil
}

func (g *generator) render() *Result {
	g.nameModels()
	tables := g.sortTables()
	rels := g.buildRelations(tables)

	var b strings.Builder
	g.writeHeader(&b)

	enums := slices.Clone(g.result.Enums)
	slices.SortFunc(enums, func(a, b *metadata.Enum) int { return strings.Compare(a.Name, b.Name) })
	for _, e := range enums {
		b.WriteString("\n")
		g.writeEnum(&b, e)
	}

	res := &Result{EnumsGenerated: len(enums), Warnings: []string{}}
	for _, t := range tables {
		b.WriteString("\n")
		g.writeModel(&b, t, rels)
		res.ModelNames = append(res.ModelNames, g.models[t.Name])
	}

	res.Document = b.String()
	res.TablesGenerated = len(tables)
	res.Warnings = append(res.Warnings, g.warnings...)
	return res
}

// nameModels assigns model, enum and scalar field names up front so that
// relation fields never collide with them.
func (g *generator) nameModels() {
	taken := nameSet{}
	names := make([]string, 0, len(g.result.Tables))
	for _, t := range g.result.Tables {
		names = append(names, t.Name)
	}
	slices.Sort(names)
	for _, name := range names {
		g.models[name] = taken.claim(pascal(name))
	}

	for _, e := range g.result.Enums {
		name := pascal(e.Name)
		if taken[name] {
			name += "Enum"
		}
		g.enumNames[e.Name] = taken.claim(name)
	}

	for _, t := range g.result.Tables {
		set := nameSet{}
		cols := make(map[string]string, len(t.Columns))
		for _, c := range t.Columns {
			name, _ := identifier(c.Name)
			cols[c.Name] = set.claim(name)
		}
		g.fields[t.Name] = set
		g.colFields[t.Name] = cols
	}
}

func (g *generator) writeHeader(b *strings.Builder) {
	if g.opts.IncludeComments {
		fmt.Fprintf(b, "// Generated by lexmigrate from %d tables and %d enums.\n", len(g.result.Tables), len(g.result.Enums))
		if len(g.result.SourceFiles) > 0 {
			fmt.Fprintf(b, "// Sources: %s\n", strings.Join(g.result.SourceFiles, ", "))
		}
		b.WriteString("// Sections between // @custom-start and // @custom-end are not carried over on regeneration.\n\n")
	}
	b.WriteString("generator client {\n  provider = \"prisma-client-js\"\n}\n\n")
	fmt.Fprintf(b, "datasource db {\n  provider = %q\n  url      = env(%q)\n}\n", g.opts.Provider, g.opts.DatasourceEnv)

	if g.opts.PreserveSupabaseMetadata && len(g.result.Functions) > 0 {
		b.WriteString("\n")
		for _, fn := range g.result.Functions {
			fmt.Fprintf(b, "// @supabase function %s(%s) returns %s language %s\n", fn.Name, fn.Arguments, fn.Returns, fn.Language)
		}
	}
}

func (g *generator) writeEnum(b *strings.Builder, e *metadata.Enum) {
	name := g.enumNames[e.Name]
	fmt.Fprintf(b, "enum %s {\n", name)
	used := nameSet{}
	for _, v := range e.Values {
		id, changed := identifier(v)
		id = used.claim(id)
		if changed || id != v {
			fmt.Fprintf(b, "  %s @map(%q)\n", id, v)
		} else {
			fmt.Fprintf(b, "  %s\n", id)
		}
	}
	if name != e.Name {
		fmt.Fprintf(b, "\n  @@map(%q)\n", e.Name)
	}
	b.WriteString("}\n")
}

type field struct {
	name, typ, attrs string
}

func (g *generator) writeModel(b *strings.Builder, t *metadata.Table, rels []*relation) {
	model := g.models[t.Name]
	pk := t.PrimaryKey()

	if g.opts.IncludeComments {
		fmt.Fprintf(b, "/// Source table: %s\n", qualified(t.Schema, t.Name))
	}
	if g.opts.PreserveSupabaseMetadata {
		g.writeSupabaseMetadata(b, t)
	}

	uniques := uniqueSets(t)
	var fields []field
	cols := slices.Clone(t.Columns)
	slices.SortStableFunc(cols, func(a, b *metadata.Column) int { return a.Position - b.Position })
	for _, c := range cols {
		fields = append(fields, g.scalarField(t, c, pk, uniques))
	}
	for _, r := range rels {
		if r.owner == t {
			typ := g.models[r.target.Name]
			if r.optional {
				typ += "?"
			}
			fields = append(fields, field{name: r.field, typ: typ, attrs: g.ownerAttr(r)})
		}
	}
	for _, r := range rels {
		if r.target == t {
			typ := g.models[r.owner.Name] + "[]"
			if r.oneToOne {
				typ = g.models[r.owner.Name] + "?"
			}
			attrs := ""
			if r.name != "" {
				attrs = fmt.Sprintf("@relation(%q)", r.name)
			}
			fields = append(fields, field{name: r.inverse, typ: typ, attrs: attrs})
		}
	}

	fmt.Fprintf(b, "model %s {\n", model)
	nameW, typeW := 0, 0
	for _, f := range fields {
		nameW = max(nameW, len(f.name))
		typeW = max(typeW, len(f.typ))
	}
	for _, f := range fields {
		line := fmt.Sprintf("  %-*s %-*s %s", nameW, f.name, typeW, f.typ, f.attrs)
		b.WriteString(strings.TrimRight(line, " "))
		b.WriteString("\n")
	}

	attrs := g.blockAttributes(t, model, pk, uniques)
	if len(attrs) > 0 {
		b.WriteString("\n")
		for _, a := range attrs {
			b.WriteString("  " + a + "\n")
		}
	}
	b.WriteString("}\n")
}

func (g *generator) scalarField(t *metadata.Table, c *metadata.Column, pk []string, uniques [][]string) field {
	s := g.mapType(t.Name, c)
	typ := s.Type
	switch {
	case s.List:
		typ += "[]"
	case c.Nullable:
		typ += "?"
	}

	var attrs []string
	if len(pk) == 1 && pk[0] == c.Name {
		attrs = append(attrs, "@id")
	}
	if d := g.defaultAttr(t.Name, c, s); d != "" {
		attrs = append(attrs, d)
	}
	if !(len(pk) == 1 && pk[0] == c.Name) && slices.ContainsFunc(uniques, func(u []string) bool {
		return len(u) == 1 && u[0] == c.Name
	}) {
		attrs = append(attrs, "@unique")
	}
	name := g.colFields[t.Name][c.Name]
	if name != c.Name {
		attrs = append(attrs, fmt.Sprintf("@map(%q)", c.Name))
	}
	if s.Native != "" {
		attrs = append(attrs, s.Native)
	}
	return field{name: name, typ: typ, attrs: strings.Join(attrs, " ")}
}

// uniqueSets collects the distinct column sets covered by unique
// constraints and unique indexes, in declaration order.
func uniqueSets(t *metadata.Table) [][]string {
	var sets [][]string
	add := func(cols []string) {
		for _, s := range sets {
			if slices.Equal(s, cols) {
				return
			}
		}
		sets = append(sets, cols)
	}
	for _, c := range t.Constraints {
		if c.Kind == metadata.KindUnique {
			add(c.Columns)
		}
	}
	for _, idx := range t.Indexes {
		if idx.Unique && plainColumns(t, idx.Columns) {
			add(idx.Columns)
		}
	}
	return sets
}

func plainColumns(t *metadata.Table, cols []string) bool {
	if len(cols) == 0 {
		return false
	}
	for _, c := range cols {
		if t.Column(c) == nil {
			return false
		}
	}
	return true
}

var indexTypes = map[string]string{
	"hash":   "Hash",
	"gin":    "Gin",
	"gist":   "Gist",
	"brin":   "Brin",
	"spgist": "SpGist",
}

func (g *generator) blockAttributes(t *metadata.Table, model string, pk []string, uniques [][]string) []string {
	var attrs []string
	fieldList := func(cols []string) string {
		names := make([]string, len(cols))
		for i, c := range cols {
			names[i] = g.colFields[t.Name][c]
		}
		return "[" + strings.Join(names, ", ") + "]"
	}

	if len(pk) > 1 {
		attrs = append(attrs, "@@id("+fieldList(pk)+")")
	}
	for _, u := range uniques {
		if len(u) > 1 && !slices.Equal(u, pk) {
			attrs = append(attrs, "@@unique("+fieldList(u)+")")
		}
	}
	var seen []string
	for _, idx := range t.Indexes {
		if idx.Unique {
			continue
		}
		if !plainColumns(t, idx.Columns) {
			g.warnf("index %s on %s uses expressions and was not carried over", idx.Name, t.Name)
			continue
		}
		attr := "@@index(" + fieldList(idx.Columns)
		if typ, ok := indexTypes[idx.Method]; ok {
			attr += ", type: " + typ
		}
		attr += ")"
		if slices.Contains(seen, attr) {
			continue
		}
		seen = append(seen, attr)
		attrs = append(attrs, attr)
	}

	if model != t.Name {
		attrs = append(attrs, fmt.Sprintf("@@map(%q)", t.Name))
	}
	if len(pk) == 0 && len(uniques) == 0 {
		g.warnf("table %s has no primary key or unique constraint; the model is marked @@ignore", t.Name)
		attrs = append(attrs, "@@ignore")
	}
	return attrs
}

func (g *generator) writeSupabaseMetadata(b *strings.Builder, t *metadata.Table) {
	if t.RLSEnabled {
		b.WriteString("/// @supabase rls enabled\n")
	}
	for _, p := range t.Policies {
		line := fmt.Sprintf("/// @supabase policy %q for %s", p.Name, p.Command)
		if len(p.Roles) > 0 {
			line += " to " + strings.Join(p.Roles, ", ")
		}
		if p.Using != "" {
			line += " using (" + oneLine(p.Using) + ")"
		}
		if p.Check != "" {
			line += " with check (" + oneLine(p.Check) + ")"
		}
		b.WriteString(line + "\n")
	}
	for _, trg := range t.Triggers {
		fmt.Fprintf(b, "/// @supabase trigger %s %s %s execute %s\n",
			trg.Name, trg.Timing, strings.Join(trg.Events, " OR "), trg.Function)
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
