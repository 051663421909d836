// Package metadata is the in-memory model of an extracted relational schema:
// tables, columns, constraints, indexes, enums and functions. It carries no
// behavior beyond lookups; the extractor builds it and the generator and
// validators read it.
package metadata

import (
	"slices"
	"time"
)

// ConstraintKind identifies the kind of a table constraint.
type ConstraintKind string

const (
	KindPrimaryKey ConstraintKind = "PRIMARY KEY"
	KindForeignKey ConstraintKind = "FOREIGN KEY"
	KindUnique     ConstraintKind = "UNIQUE"
	KindCheck      ConstraintKind = "CHECK"
)

// Reference is the target of a single-column foreign key.
type Reference struct {
	Schema   string `json:"schema,omitempty" yaml:"schema,omitempty"`
	Table    string `json:"table" yaml:"table"`
	Column   string `json:"column" yaml:"column"`
	OnDelete string `json:"onDelete,omitempty" yaml:"onDelete,omitempty"`
	OnUpdate string `json:"onUpdate,omitempty" yaml:"onUpdate,omitempty"`
}

// Column describes one table column. IsForeignKey implies References != nil.
type Column struct {
	Name         string     `json:"name" yaml:"name"`
	Type         string     `json:"type" yaml:"type"`
	Nullable     bool       `json:"nullable" yaml:"nullable"`
	Default      *string    `json:"default,omitempty" yaml:"default,omitempty"`
	IsPrimaryKey bool       `json:"isPrimaryKey" yaml:"isPrimaryKey"`
	IsForeignKey bool       `json:"isForeignKey" yaml:"isForeignKey"`
	IsUnique     bool       `json:"isUnique,omitempty" yaml:"isUnique,omitempty"`
	References   *Reference `json:"references,omitempty" yaml:"references,omitempty"`
	Position     int        `json:"position" yaml:"position"`
	// Identity marks GENERATED ... AS IDENTITY columns.
	Identity bool `json:"identity,omitempty" yaml:"identity,omitempty"`
}

// Constraint is a table-level constraint. Inline column constraints are
// recorded here as well, under Postgres' default constraint names.
type Constraint struct {
	Name       string         `json:"name" yaml:"name"`
	Kind       ConstraintKind `json:"kind" yaml:"kind"`
	Columns    []string       `json:"columns" yaml:"columns"`
	Definition string         `json:"definition" yaml:"definition"`
	RefSchema  string         `json:"refSchema,omitempty" yaml:"refSchema,omitempty"`
	RefTable   string         `json:"refTable,omitempty" yaml:"refTable,omitempty"`
	RefColumns []string       `json:"refColumns,omitempty" yaml:"refColumns,omitempty"`
	OnDelete   string         `json:"onDelete,omitempty" yaml:"onDelete,omitempty"`
	OnUpdate   string         `json:"onUpdate,omitempty" yaml:"onUpdate,omitempty"`
}

// Index describes a CREATE INDEX statement.
type Index struct {
	Name    string   `json:"name" yaml:"name"`
	Columns []string `json:"columns" yaml:"columns"`
	Unique  bool     `json:"unique" yaml:"unique"`
	Method  string   `json:"method" yaml:"method"`
}

// Policy is a row-level security policy.
type Policy struct {
	Name    string   `json:"name" yaml:"name"`
	Command string   `json:"command" yaml:"command"`
	Roles   []string `json:"roles,omitempty" yaml:"roles,omitempty"`
	Using   string   `json:"using,omitempty" yaml:"using,omitempty"`
	Check   string   `json:"check,omitempty" yaml:"check,omitempty"`
}

// Trigger is a table trigger bound to a function.
type Trigger struct {
	Name     string   `json:"name" yaml:"name"`
	Timing   string   `json:"timing" yaml:"timing"`
	Events   []string `json:"events" yaml:"events"`
	Function string   `json:"function" yaml:"function"`
}

// Table is one extracted table. Name is unique within an ExtractionResult.
type Table struct {
	Schema      string        `json:"schema,omitempty" yaml:"schema,omitempty"`
	Name        string        `json:"name" yaml:"name"`
	Columns     []*Column     `json:"columns" yaml:"columns"`
	Constraints []*Constraint `json:"constraints" yaml:"constraints"`
	Indexes     []*Index      `json:"indexes" yaml:"indexes"`
	Policies    []*Policy     `json:"policies,omitempty" yaml:"policies,omitempty"`
	Triggers    []*Trigger    `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	RLSEnabled  bool          `json:"rlsEnabled,omitempty" yaml:"rlsEnabled,omitempty"`
}

// Enum is a CREATE TYPE ... AS ENUM declaration.
type Enum struct {
	Name   string   `json:"name" yaml:"name"`
	Values []string `json:"values" yaml:"values"`
}

// Function is a stored function signature. Bodies are not kept.
type Function struct {
	Name      string `json:"name" yaml:"name"`
	Arguments string `json:"arguments" yaml:"arguments"`
	Returns   string `json:"returns" yaml:"returns"`
	Language  string `json:"language" yaml:"language"`
}

// ExtractionResult aggregates one extraction run. It is not modified after
// the extractor returns it.
type ExtractionResult struct {
	Tables      []*Table    `json:"tables" yaml:"tables"`
	Enums       []*Enum     `json:"enums" yaml:"enums"`
	Functions   []*Function `json:"functions" yaml:"functions"`
	SourceFiles []string    `json:"sourceFiles" yaml:"sourceFiles"`
	ExtractedAt time.Time   `json:"extractedAt" yaml:"extractedAt"`
	Warnings    []string    `json:"warnings" yaml:"warnings"`
}

// Table returns the table with the given name, or nil.
func (r *ExtractionResult) Table(name string) *Table {
	for _, t := range r.Tables {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// Enum returns the enum with the given name, or nil.
func (r *ExtractionResult) Enum(name string) *Enum {
	for _, e := range r.Enums {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// ColumnCount is the total number of columns across all tables.
func (r *ExtractionResult) ColumnCount() int {
	n := 0
	for _, t := range r.Tables {
		n += len(t.Columns)
	}
	return n
}

// Column returns the named column, or nil.
func (t *Table) Column(name string) *Column {
	for _, c := range t.Columns {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// PrimaryKey returns the primary key column names in declaration order.
func (t *Table) PrimaryKey() []string {
	for _, c := range t.Constraints {
		if c.Kind == KindPrimaryKey {
			return c.Columns
		}
	}
	var cols []string
	for _, c := range t.Columns {
		if c.IsPrimaryKey {
			cols = append(cols, c.Name)
		}
	}
	return cols
}

// ForeignKeys returns the table's foreign key constraints.
func (t *Table) ForeignKeys() []*Constraint {
	var fks []*Constraint
	for _, c := range t.Constraints {
		if c.Kind == KindForeignKey {
			fks = append(fks, c)
		}
	}
	return fks
}

// HasUniqueOver reports whether a unique or primary key constraint, or a
// unique index, covers exactly cols (in any order).
func (t *Table) HasUniqueOver(cols []string) bool {
	same := func(other []string) bool {
		if len(other) != len(cols) {
			return false
		}
		for _, c := range cols {
			if !slices.Contains(other, c) {
				return false
			}
		}
		return true
	}
	for _, c := range t.Constraints {
		if (c.Kind == KindUnique || c.Kind == KindPrimaryKey) && same(c.Columns) {
			return true
		}
	}
	for _, idx := range t.Indexes {
		if idx.Unique && same(idx.Columns) {
			return true
		}
	}
	if len(cols) == 1 {
		if col := t.Column(cols[0]); col != nil && (col.IsUnique || (col.IsPrimaryKey && len(t.PrimaryKey()) == 1)) {
			return true
		}
	}
	return false
}
