package extract

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/lexledger/lexmigrate/internal/ddl"
	"github.com/lexledger/lexmigrate/internal/metadata"
)

// builder accumulates statements into the metadata model.
type builder struct {
	tables   []*metadata.Table
	byName   map[string]*metadata.Table
	enums    []*metadata.Enum
	funcs    []*metadata.Function
	warnings []string
	file     string
}

func newBuilder() *builder {
	return &builder{byName: make(map[string]*metadata.Table)}
}

func (b *builder) result(files []string, at time.Time) *metadata.ExtractionResult {
	res := &metadata.ExtractionResult{
		Tables:      b.tables,
		Enums:       b.enums,
		Functions:   b.funcs,
		ExtractedAt: at,
		Warnings:    b.warnings,
	}
	for _, f := range files {
		res.SourceFiles = append(res.SourceFiles, filepath.Base(f))
	}
	if res.Tables == nil {
		res.Tables = []*metadata.Table{}
	}
	if res.Enums == nil {
		res.Enums = []*metadata.Enum{}
	}
	if res.Functions == nil {
		res.Functions = []*metadata.Function{}
	}
	if res.Warnings == nil {
		res.Warnings = []string{}
	}
	return res
}

func (b *builder) apply(st ddl.Statement) {
	line := st.StartLine()
	switch s := st.(type) {
	case *ddl.CreateTable:
		b.createTable(s)
	case *ddl.CreateEnum:
		b.createEnum(s)
	case *ddl.AlterEnum:
		b.alterEnum(s)
	case *ddl.CreateIndex:
		b.createIndex(s)
	case *ddl.AlterTable:
		b.alterTable(s)
	case *ddl.DropTable:
		for _, name := range s.Names {
			b.dropTable(name)
		}
	case *ddl.DropType:
		for _, name := range s.Names {
			b.enums = slices.DeleteFunc(b.enums, func(e *metadata.Enum) bool { return e.Name == name })
		}
	case *ddl.CreatePolicy:
		b.createPolicy(s)
	case *ddl.CreateFunction:
		b.createFunction(s)
	case *ddl.CreateTrigger:
		b.createTrigger(s)
	default:
		b.warnf(line, "unhandled statement %T", st)
	}
}

func (b *builder) createTable(s *ddl.CreateTable) {
	if _, ok := b.byName[s.Name]; ok {
		if !s.IfNotExists {
			b.warnf(s.Line, "table %s declared again; keeping the first declaration", s.Name)
		}
		return
	}
	t := &metadata.Table{
		Schema:      schemaOrPublic(s.Schema),
		Name:        s.Name,
		Columns:     []*metadata.Column{},
		Constraints: []*metadata.Constraint{},
		Indexes:     []*metadata.Index{},
	}
	for _, c := range s.Columns {
		b.addColumn(t, c)
	}
	for _, c := range s.Constraints {
		b.addConstraint(t, c)
	}
	b.tables = append(b.tables, t)
	b.byName[t.Name] = t
}

func (b *builder) addColumn(t *metadata.Table, def *ddl.ColumnDef) {
	if t.Column(def.Name) != nil {
		b.warnf(def.Line, "table %s: duplicate column %s ignored", t.Name, def.Name)
		return
	}
	t.Columns = append(t.Columns, &metadata.Column{
		Name:         def.Name,
		Type:         def.Type,
		Nullable:     !def.NotNull && !def.PrimaryKey,
		Default:      def.Default,
		IsPrimaryKey: def.PrimaryKey,
		Identity:     def.Identity,
		Position:     len(t.Columns) + 1,
	})

	cols := []string{def.Name}
	if def.PrimaryKey {
		b.addConstraint(t, &ddl.TableConstraint{Name: def.PrimaryKeyName, Type: ddl.PrimaryKey, Columns: cols})
	}
	if def.Unique {
		b.addConstraint(t, &ddl.TableConstraint{Name: def.UniqueName, Type: ddl.Unique, Columns: cols})
	}
	if def.References != nil {
		b.addConstraint(t, &ddl.TableConstraint{Name: def.ReferenceName, Type: ddl.ForeignKey, Columns: cols, Ref: def.References})
	}
	for _, ch := range def.Checks {
		b.addConstraint(t, &ddl.TableConstraint{Name: ch.Name, Type: ddl.Check, Columns: cols, Expr: ch.Expr})
	}
}

func (b *builder) addConstraint(t *metadata.Table, c *ddl.TableConstraint) {
	name := c.Name
	if name == "" {
		name = defaultConstraintName(t.Name, c.Type, c.Columns)
	}
	for _, existing := range t.Constraints {
		if existing.Name == name {
			return
		}
	}

	mc := &metadata.Constraint{
		Name:       name,
		Kind:       metadata.ConstraintKind(c.Type),
		Columns:    c.Columns,
		Definition: c.Definition,
	}
	for _, col := range c.Columns {
		if t.Column(col) == nil {
			b.warnf(c.Line, "constraint %s on %s names unknown column %s", name, t.Name, col)
			return
		}
	}

	switch c.Type {
	case ddl.PrimaryKey:
		for _, existing := range t.Constraints {
			if existing.Kind == metadata.KindPrimaryKey {
				b.warnf(c.Line, "table %s already has primary key %s; %s ignored", t.Name, existing.Name, name)
				return
			}
		}
		for _, col := range c.Columns {
			column := t.Column(col)
			column.IsPrimaryKey = true
			column.Nullable = false
		}
	case ddl.Unique:
		if len(c.Columns) == 1 {
			t.Column(c.Columns[0]).IsUnique = true
		}
	case ddl.ForeignKey:
		ref := c.Ref
		refCols := ref.Columns
		if len(refCols) == 0 {
			refCols = b.primaryKeyOf(t, ref.Table, len(c.Columns))
		}
		if len(refCols) != len(c.Columns) {
			b.warnf(c.Line, "foreign key %s on %s: %d columns reference %d", name, t.Name, len(c.Columns), len(refCols))
			return
		}
		refSchema := ref.Schema
		if refSchema == "public" {
			refSchema = ""
		}
		mc.RefSchema = refSchema
		mc.RefTable = ref.Table
		mc.RefColumns = refCols
		mc.OnDelete = ref.OnDelete
		mc.OnUpdate = ref.OnUpdate
		for i, col := range c.Columns {
			column := t.Column(col)
			column.IsForeignKey = true
			column.References = &metadata.Reference{
				Schema:   refSchema,
				Table:    ref.Table,
				Column:   refCols[i],
				OnDelete: ref.OnDelete,
				OnUpdate: ref.OnUpdate,
			}
		}
	}

	if mc.Definition == "" {
		mc.Definition = constraintDefinition(mc, c.Expr)
	}
	t.Constraints = append(t.Constraints, mc)
}

// primaryKeyOf resolves REFERENCES t without a column list. A table that is
// not known yet is assumed to use "id".
func (b *builder) primaryKeyOf(self *metadata.Table, table string, n int) []string {
	target := b.byName[table]
	if table == self.Name {
		target = self
	}
	if target != nil {
		if pk := target.PrimaryKey(); len(pk) > 0 {
			return pk
		}
	}
	if n == 1 {
		return []string{"id"}
	}
	return nil
}

func defaultConstraintName(table string, kind ddl.ConstraintType, cols []string) string {
	joined := strings.Join(cols, "_")
	if joined != "" {
		joined = "_" + joined
	}
	switch kind {
	case ddl.PrimaryKey:
		return table + "_pkey"
	case ddl.Unique:
		return table + joined + "_key"
	case ddl.ForeignKey:
		return table + joined + "_fkey"
	default:
		return table + joined + "_check"
	}
}

func constraintDefinition(c *metadata.Constraint, expr string) string {
	cols := "(" + strings.Join(c.Columns, ", ") + ")"
	switch c.Kind {
	case metadata.KindForeignKey:
		target := c.RefTable
		if c.RefSchema != "" {
			target = c.RefSchema + "." + target
		}
		def := fmt.Sprintf("FOREIGN KEY %s REFERENCES %s(%s)", cols, target, strings.Join(c.RefColumns, ", "))
		if c.OnDelete != "" {
			def += " ON DELETE " + c.OnDelete
		}
		if c.OnUpdate != "" {
			def += " ON UPDATE " + c.OnUpdate
		}
		return def
	case metadata.KindCheck:
		return "CHECK (" + expr + ")"
	default:
		return string(c.Kind) + " " + cols
	}
}

func (b *builder) enum(name string) *metadata.Enum {
	for _, e := range b.enums {
		if e.Name == name {
			return e
		}
	}
	return nil
}

func (b *builder) createEnum(s *ddl.CreateEnum) {
	if b.enum(s.Name) != nil {
		b.warnf(s.Line, "enum %s declared again; keeping the first declaration", s.Name)
		return
	}
	e := &metadata.Enum{Name: s.Name, Values: []string{}}
	for _, v := range s.Values {
		if slices.Contains(e.Values, v) {
			b.warnf(s.Line, "enum %s: duplicate value %q ignored", s.Name, v)
			continue
		}
		e.Values = append(e.Values, v)
	}
	b.enums = append(b.enums, e)
}

func (b *builder) alterEnum(s *ddl.AlterEnum) {
	e := b.enum(s.Name)
	if e == nil {
		b.warnf(s.Line, "ALTER TYPE %s: unknown enum", s.Name)
		return
	}
	if slices.Contains(e.Values, s.Value) {
		return
	}
	at := len(e.Values)
	if i := slices.Index(e.Values, s.Before); s.Before != "" && i >= 0 {
		at = i
	} else if i := slices.Index(e.Values, s.After); s.After != "" && i >= 0 {
		at = i + 1
	}
	e.Values = slices.Insert(e.Values, at, s.Value)
}

func (b *builder) createIndex(s *ddl.CreateIndex) {
	t := b.byName[s.Table]
	if t == nil {
		b.warnf(s.Line, "index %s on unknown table %s ignored", s.Name, s.Table)
		return
	}
	for _, idx := range t.Indexes {
		if idx.Name == s.Name {
			if !s.IfNotExists {
				b.warnf(s.Line, "index %s declared again; keeping the first declaration", s.Name)
			}
			return
		}
	}
	t.Indexes = append(t.Indexes, &metadata.Index{
		Name:    s.Name,
		Columns: s.Columns,
		Unique:  s.Unique,
		Method:  s.Method,
	})
}

func (b *builder) alterTable(s *ddl.AlterTable) {
	t := b.byName[s.Table]
	if t == nil {
		b.warnf(s.Line, "ALTER TABLE on unknown table %s ignored", s.Table)
		return
	}
	for _, a := range s.Actions {
		b.alterAction(t, s.Line, a)
	}
}

func (b *builder) alterAction(t *metadata.Table, line int, a ddl.AlterAction) {
	switch a.Kind {
	case ddl.AddColumn:
		if t.Column(a.Column.Name) != nil {
			if !a.IfNotExists {
				b.warnf(line, "table %s: column %s already exists", t.Name, a.Column.Name)
			}
			return
		}
		b.addColumn(t, a.Column)
		return
	case ddl.AddConstraint:
		b.addConstraint(t, a.Constraint)
		return
	case ddl.EnableRLS:
		t.RLSEnabled = true
		return
	case ddl.DropConstraint:
		t.Constraints = slices.DeleteFunc(t.Constraints, func(c *metadata.Constraint) bool { return c.Name == a.Name })
		refreshColumnFlags(t)
		return
	case ddl.RenameTable:
		b.renameTable(t, a.NewName)
		return
	}

	col := t.Column(a.Name)
	if col == nil {
		b.warnf(line, "ALTER TABLE %s: unknown column %s", t.Name, a.Name)
		return
	}
	switch a.Kind {
	case ddl.DropColumn:
		b.dropColumn(t, a.Name)
	case ddl.SetDefault:
		expr := a.Expr
		col.Default = &expr
	case ddl.DropDefault:
		col.Default = nil
	case ddl.SetNotNull:
		col.Nullable = false
	case ddl.DropNotNull:
		col.Nullable = !col.IsPrimaryKey
	case ddl.SetType:
		col.Type = a.Type
	case ddl.RenameColumn:
		b.renameColumn(t, col, a.NewName)
	}
}

func (b *builder) dropColumn(t *metadata.Table, name string) {
	t.Columns = slices.DeleteFunc(t.Columns, func(c *metadata.Column) bool { return c.Name == name })
	for i, c := range t.Columns {
		c.Position = i + 1
	}
	t.Constraints = slices.DeleteFunc(t.Constraints, func(c *metadata.Constraint) bool { return slices.Contains(c.Columns, name) })
	t.Indexes = slices.DeleteFunc(t.Indexes, func(idx *metadata.Index) bool { return slices.Contains(idx.Columns, name) })
	refreshColumnFlags(t)
}

func (b *builder) renameColumn(t *metadata.Table, col *metadata.Column, newName string) {
	old := col.Name
	col.Name = newName
	rename := func(cols []string) {
		for i, c := range cols {
			if c == old {
				cols[i] = newName
			}
		}
	}
	for _, c := range t.Constraints {
		rename(c.Columns)
	}
	for _, idx := range t.Indexes {
		rename(idx.Columns)
	}
	for _, other := range b.tables {
		for _, c := range other.Constraints {
			if c.Kind == metadata.KindForeignKey && c.RefTable == t.Name {
				rename(c.RefColumns)
			}
		}
		for _, oc := range other.Columns {
			if oc.References != nil && oc.References.Table == t.Name && oc.References.Column == old {
				oc.References.Column = newName
			}
		}
	}
}

func (b *builder) renameTable(t *metadata.Table, newName string) {
	old := t.Name
	delete(b.byName, old)
	t.Name = newName
	b.byName[newName] = t
	for _, other := range b.tables {
		for _, c := range other.Constraints {
			if c.RefTable == old {
				c.RefTable = newName
			}
		}
		for _, col := range other.Columns {
			if col.References != nil && col.References.Table == old {
				col.References.Table = newName
			}
		}
	}
}

func (b *builder) dropTable(name string) {
	if _, ok := b.byName[name]; !ok {
		return
	}
	delete(b.byName, name)
	b.tables = slices.DeleteFunc(b.tables, func(t *metadata.Table) bool { return t.Name == name })
}

// refreshColumnFlags recomputes key flags after constraints change.
func refreshColumnFlags(t *metadata.Table) {
	for _, col := range t.Columns {
		col.IsPrimaryKey, col.IsUnique, col.IsForeignKey, col.References = false, false, false, nil
	}
	for _, c := range t.Constraints {
		switch c.Kind {
		case metadata.KindPrimaryKey:
			for _, name := range c.Columns {
				if col := t.Column(name); col != nil {
					col.IsPrimaryKey = true
				}
			}
		case metadata.KindUnique:
			if len(c.Columns) == 1 {
				if col := t.Column(c.Columns[0]); col != nil {
					col.IsUnique = true
				}
			}
		case metadata.KindForeignKey:
			for i, name := range c.Columns {
				col := t.Column(name)
				if col == nil || col.References != nil || i >= len(c.RefColumns) {
					continue
				}
				col.IsForeignKey = true
				col.References = &metadata.Reference{
					Schema:   c.RefSchema,
					Table:    c.RefTable,
					Column:   c.RefColumns[i],
					OnDelete: c.OnDelete,
					OnUpdate: c.OnUpdate,
				}
			}
		}
	}
}

func (b *builder) createPolicy(s *ddl.CreatePolicy) {
	t := b.byName[s.Table]
	if t == nil {
		b.warnf(s.Line, "policy %q on unknown table %s ignored", s.Name, s.Table)
		return
	}
	p := &metadata.Policy{Name: s.Name, Command: s.Command, Roles: s.Roles, Using: s.Using, Check: s.Check}
	for i, existing := range t.Policies {
		if existing.Name == s.Name {
			t.Policies[i] = p
			return
		}
	}
	t.Policies = append(t.Policies, p)
}

func (b *builder) createFunction(s *ddl.CreateFunction) {
	fn := &metadata.Function{Name: s.Name, Arguments: s.Arguments, Returns: s.Returns, Language: s.Language}
	for i, existing := range b.funcs {
		if existing.Name == fn.Name && existing.Arguments == fn.Arguments {
			b.funcs[i] = fn
			return
		}
	}
	b.funcs = append(b.funcs, fn)
}

func (b *builder) createTrigger(s *ddl.CreateTrigger) {
	t := b.byName[s.Table]
	if t == nil {
		b.warnf(s.Line, "trigger %s on %s.%s ignored: table not declared in migrations", s.Name, schemaOrPublic(s.Schema), s.Table)
		return
	}
	trg := &metadata.Trigger{Name: s.Name, Timing: s.Timing, Events: s.Events, Function: s.Function}
	for i, existing := range t.Triggers {
		if existing.Name == s.Name {
			t.Triggers[i] = trg
			return
		}
	}
	t.Triggers = append(t.Triggers, trg)
}

func schemaOrPublic(schema string) string {
	if schema == "" {
		return "public"
	}
	return schema
}
