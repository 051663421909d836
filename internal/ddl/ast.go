package ddl

// Statement is one parsed DDL statement.
type Statement interface {
	StartLine() int
}

type node struct {
	Line int
}

func (n node) StartLine() int { return n.Line }

// ForeignRef is the REFERENCES part of a foreign key.
type ForeignRef struct {
	Schema   string
	Table    string
	Columns  []string
	OnDelete string
	OnUpdate string
}

// CheckDef is a CHECK constraint attached to a column.
type CheckDef struct {
	Name string
	Expr string
}

// ColumnDef is a column definition inside CREATE TABLE or ALTER TABLE ADD COLUMN.
type ColumnDef struct {
	node
	Name           string
	Type           string
	NotNull        bool
	PrimaryKey     bool
	PrimaryKeyName string
	Unique         bool
	UniqueName     string
	Default        *string
	References     *ForeignRef
	ReferenceName  string
	Checks         []CheckDef
	Identity       bool
	Generated      bool
}

// ConstraintType is the kind of a table-level constraint.
type ConstraintType string

const (
	PrimaryKey ConstraintType = "PRIMARY KEY"
	Unique     ConstraintType = "UNIQUE"
	ForeignKey ConstraintType = "FOREIGN KEY"
	Check      ConstraintType = "CHECK"
)

// TableConstraint is a constraint declared as a table element or added by ALTER TABLE.
type TableConstraint struct {
	node
	Name       string
	Type       ConstraintType
	Columns    []string
	Ref        *ForeignRef
	Expr       string
	Definition string
}

// CreateTable is CREATE TABLE name (elements).
type CreateTable struct {
	node
	Schema      string
	Name        string
	IfNotExists bool
	Columns     []*ColumnDef
	Constraints []*TableConstraint
	// Skipped lists elements that could not be parsed.
	Skipped []Diagnostic
}

// CreateEnum is CREATE TYPE name AS ENUM (...).
type CreateEnum struct {
	node
	Schema string
	Name   string
	Values []string
}

// AlterEnum is ALTER TYPE name ADD VALUE.
type AlterEnum struct {
	node
	Schema string
	Name   string
	Value  string
	Before string
	After  string
}

// CreateIndex is CREATE [UNIQUE] INDEX.
type CreateIndex struct {
	node
	Name        string
	Schema      string
	Table       string
	Unique      bool
	Method      string
	Columns     []string
	IfNotExists bool
}

// ActionKind identifies an ALTER TABLE action.
type ActionKind int

const (
	AddColumn ActionKind = iota
	AddConstraint
	EnableRLS
	DropColumn
	DropConstraint
	SetDefault
	DropDefault
	SetNotNull
	DropNotNull
	SetType
	RenameColumn
	RenameTable
)

// AlterAction is one comma-separated action of ALTER TABLE.
type AlterAction struct {
	Kind        ActionKind
	Column      *ColumnDef
	Constraint  *TableConstraint
	Name        string
	NewName     string
	Expr        string
	Type        string
	IfNotExists bool
}

// AlterTable is ALTER TABLE name action[, action].
type AlterTable struct {
	node
	Schema  string
	Table   string
	Actions []AlterAction
	Skipped []Diagnostic
}

// DropTable is DROP TABLE name[, name].
type DropTable struct {
	node
	Names []string
}

// DropType is DROP TYPE name[, name].
type DropType struct {
	node
	Names []string
}

// CreatePolicy is CREATE POLICY.
type CreatePolicy struct {
	node
	Name    string
	Schema  string
	Table   string
	Command string
	Roles   []string
	Using   string
	Check   string
}

// CreateFunction is CREATE [OR REPLACE] FUNCTION. Bodies are not kept.
type CreateFunction struct {
	node
	Schema    string
	Name      string
	Arguments string
	Returns   string
	Language  string
}

// CreateTrigger is CREATE [OR REPLACE] [CONSTRAINT] TRIGGER.
type CreateTrigger struct {
	node
	Name     string
	Timing   string
	Events   []string
	Schema   string
	Table    string
	Function string
}
