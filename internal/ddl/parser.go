// Package ddl tokenizes and parses the subset of PostgreSQL DDL found in
// Supabase-style migration directories. It is not a general SQL
// parser: statements outside the grammar below are skipped without comment,
// and statements inside it that fail to parse are reported as diagnostics.
// A CREATE or ALTER naming an object kind Postgres does not have is
// reported too.
//
// Grammar (keywords case-insensitive, [] optional, {} repeated):
//
//	create_table  = CREATE [TEMP|TEMPORARY|UNLOGGED] TABLE [IF NOT EXISTS] qname
//	                "(" element {"," element} ")" {trailing clause}
//	element       = column_def | table_constraint | LIKE ...
//	column_def    = ident type {column_constraint}
//	type          = word {word} ["(" params ")"] {word} {"[" "]"}
//	column_constraint =
//	      [CONSTRAINT ident] ( NOT NULL | NULL | PRIMARY KEY | UNIQUE
//	      | DEFAULT expr | REFERENCES qname ["(" ident ")"] {ref_action}
//	      | CHECK "(" expr ")" | GENERATED ... | COLLATE qname )
//	table_constraint = [CONSTRAINT ident] ( PRIMARY KEY idents | UNIQUE idents
//	      | FOREIGN KEY idents REFERENCES qname [idents] {ref_action}
//	      | CHECK "(" expr ")" | EXCLUDE ... )
//	ref_action    = ON (DELETE|UPDATE) (CASCADE|RESTRICT|NO ACTION|SET NULL|SET DEFAULT)
//	create_enum   = CREATE TYPE qname AS ENUM "(" string {"," string} ")"
//	alter_enum    = ALTER TYPE qname ADD VALUE [IF NOT EXISTS] string [(BEFORE|AFTER) string]
//	create_index  = CREATE [UNIQUE] INDEX [CONCURRENTLY] [IF NOT EXISTS] [ident]
//	                ON [ONLY] qname [USING ident] "(" index_elem {"," index_elem} ")" ...
//	alter_table   = ALTER TABLE [IF EXISTS] [ONLY] qname action {"," action}
//	action        = ADD [COLUMN] [IF NOT EXISTS] column_def | ADD table_constraint
//	              | ENABLE ROW LEVEL SECURITY | DROP [COLUMN] [IF EXISTS] ident
//	              | DROP CONSTRAINT [IF EXISTS] ident | RENAME [COLUMN] ident TO ident
//	              | RENAME TO ident | ALTER [COLUMN] ident column_change
//	column_change = SET DEFAULT expr | DROP DEFAULT | SET NOT NULL | DROP NOT NULL
//	              | [SET DATA] TYPE type [USING expr]
//	drop          = DROP (TABLE|TYPE) [IF EXISTS] qname {"," qname} [CASCADE|RESTRICT]
//	create_policy = CREATE POLICY ident ON qname [AS ident] [FOR ident] [TO ident {"," ident}]
//	                [USING "(" expr ")"] [WITH CHECK "(" expr ")"]
//	create_func   = CREATE [OR REPLACE] FUNCTION qname "(" args ")" {RETURNS type | LANGUAGE ident | option}
//	create_trig   = CREATE [OR REPLACE] [CONSTRAINT] TRIGGER ident (BEFORE|AFTER|INSTEAD OF)
//	                event {OR event} ON qname ... EXECUTE (FUNCTION|PROCEDURE) qname "(" ... ")"
//	qname         = ident ["." ident]
//
// Unquoted identifiers are folded to lower case, as Postgres does.
package ddl

import (
	"errors"
	"fmt"
	"strings"
)

// Diagnostic describes a statement or element that was skipped.
type Diagnostic struct {
	Line    int
	Message string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("line %d: %s", d.Line, d.Message)
}

// Parse parses every statement in src. Statements outside the grammar are
// ignored; malformed ones are skipped and reported as diagnostics.
func Parse(src string) ([]Statement, []Diagnostic) {
	tokens, lexErr := Tokenize(src)

	var stmts []Statement
	var diags []Diagnostic
	for _, toks := range splitStatements(tokens) {
		st, err := parseStatement(src, toks)
		if err != nil {
			text := src[toks[0].Pos:toks[len(toks)-1].End]
			diags = append(diags, Diagnostic{
				Line:    toks[0].Line,
				Message: fmt.Sprintf("skipped statement %q: %v", abbreviate(text), err),
			})
			continue
		}
		switch s := st.(type) {
		case nil:
			continue
		case *CreateTable:
			diags = append(diags, s.Skipped...)
		case *AlterTable:
			diags = append(diags, s.Skipped...)
		}
		stmts = append(stmts, st)
	}
	if lexErr != nil {
		line := 0
		var le *LexError
		if errors.As(lexErr, &le) {
			line = le.Line
		}
		diags = append(diags, Diagnostic{Line: line, Message: lexErr.Error()})
	}
	return stmts, diags
}

// splitStatements cuts the token stream at every semicolon. Dollar-quoted
// bodies are single tokens, so function bodies never split.
func splitStatements(tokens []Token) [][]Token {
	var out [][]Token
	start := 0
	for i, t := range tokens {
		if t.IsPunct(";") {
			if i > start {
				out = append(out, tokens[start:i])
			}
			start = i + 1
		}
	}
	if start < len(tokens) {
		out = append(out, tokens[start:])
	}
	return out
}

// splitTopLevel splits toks at sep tokens that are not nested in parentheses
// or brackets. Empty pieces are dropped.
func splitTopLevel(toks []Token, sep string) [][]Token {
	var out [][]Token
	depth, start := 0, 0
	for i, t := range toks {
		if t.Kind != Punct {
			continue
		}
		switch t.Value {
		case "(", "[":
			depth++
		case ")", "]":
			depth--
		case sep:
			if depth == 0 {
				if i > start {
					out = append(out, toks[start:i])
				}
				start = i + 1
			}
		}
	}
	if start < len(toks) {
		out = append(out, toks[start:])
	}
	return out
}

// parser walks one statement's tokens. The first error sticks and turns
// later calls into no-ops, so callers check p.err once at the end.
type parser struct {
	src  string
	toks []Token
	pos  int
	err  error
}

func parseStatement(src string, toks []Token) (Statement, error) {
	p := &parser{src: src, toks: toks}
	st := p.statement()
	if p.err != nil {
		return nil, p.err
	}
	return st, nil
}

func (p *parser) sub(toks []Token) *parser {
	return &parser{src: p.src, toks: toks}
}

func (p *parser) done() bool { return p.err != nil || p.pos >= len(p.toks) }

func (p *parser) peek() Token { return p.peekN(0) }

func (p *parser) peekN(n int) Token {
	if p.pos+n < len(p.toks) {
		return p.toks[p.pos+n]
	}
	end := 0
	line := 0
	if len(p.toks) > 0 {
		last := p.toks[len(p.toks)-1]
		end, line = last.End, last.Line
	}
	return Token{Kind: EOF, Pos: end, End: end, Line: line}
}

func (p *parser) advance() Token {
	t := p.peek()
	if p.pos < len(p.toks) {
		p.pos++
	}
	return t
}

// accept consumes the keyword sequence kws only if every keyword matches.
func (p *parser) accept(kws ...string) bool {
	if p.err != nil {
		return false
	}
	for i, kw := range kws {
		if !p.peekN(i).Is(kw) {
			return false
		}
	}
	p.pos += len(kws)
	return true
}

func (p *parser) expect(kws ...string) {
	if p.err != nil {
		return
	}
	if !p.accept(kws...) {
		p.fail("expected %s, found %s", strings.ToUpper(strings.Join(kws, " ")), describe(p.peek()))
	}
}

func (p *parser) acceptPunct(s string) bool {
	if p.err == nil && p.peek().IsPunct(s) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) fail(format string, args ...any) {
	if p.err == nil {
		p.err = fmt.Errorf(format, args...)
	}
}

func describe(t Token) string {
	if t.Kind == EOF {
		return t.Kind.String()
	}
	return fmt.Sprintf("%s %q", t.Kind, t.Value)
}

func (p *parser) ident() string {
	if p.err != nil {
		return ""
	}
	t := p.peek()
	if t.Kind != Ident && t.Kind != QuotedIdent {
		p.fail("expected identifier, found %s", describe(t))
		return ""
	}
	p.pos++
	return t.Value
}

func (p *parser) qualifiedName() (schema, name string) {
	name = p.ident()
	if p.acceptPunct(".") {
		schema, name = name, p.ident()
	}
	return schema, name
}

// group consumes a parenthesized group and returns the tokens inside it.
func (p *parser) group() []Token {
	if p.err != nil {
		return nil
	}
	if !p.peek().IsPunct("(") {
		p.fail("expected \"(\", found %s", describe(p.peek()))
		return nil
	}
	start := p.pos + 1
	depth := 0
	for p.pos < len(p.toks) {
		t := p.advance()
		if t.IsPunct("(") {
			depth++
		} else if t.IsPunct(")") {
			depth--
			if depth == 0 {
				return p.toks[start : p.pos-1]
			}
		}
	}
	p.fail("unbalanced parentheses")
	return nil
}

// groupText consumes a parenthesized group and returns its inner source text.
func (p *parser) groupText() string {
	inner := p.group()
	return p.text(inner)
}

func (p *parser) text(toks []Token) string {
	if len(toks) == 0 {
		return ""
	}
	return strings.TrimSpace(p.src[toks[0].Pos:toks[len(toks)-1].End])
}

func (p *parser) identList() []string {
	inner := p.group()
	if p.err != nil {
		return nil
	}
	var out []string
	for _, piece := range splitTopLevel(inner, ",") {
		sp := p.sub(piece)
		name := sp.ident()
		if sp.err != nil {
			p.fail("invalid column list: %v", sp.err)
			return nil
		}
		out = append(out, name)
	}
	return out
}

func (p *parser) rest() []Token {
	r := p.toks[p.pos:]
	p.pos = len(p.toks)
	return r
}

// skipUntil advances to the first top-level keyword in stops.
func (p *parser) skipUntil(stops ...string) {
	depth := 0
	for !p.done() {
		t := p.peek()
		if depth == 0 && t.Kind == Ident {
			for _, s := range stops {
				if t.Value == s {
					return
				}
			}
		}
		if t.IsPunct("(") {
			depth++
		} else if t.IsPunct(")") {
			depth--
		}
		p.advance()
	}
}

func (p *parser) statement() Statement {
	line := p.peek().Line
	switch {
	case p.accept("create"):
		p.accept("or", "replace")
		switch {
		case p.accept("unique", "index"):
			return p.createIndex(line, true)
		case p.accept("index"):
			return p.createIndex(line, false)
		case p.accept("type"):
			return p.createType(line)
		case p.accept("policy"):
			return p.createPolicy(line)
		case p.accept("function"):
			return p.createFunction(line)
		case p.accept("trigger"), p.accept("constraint", "trigger"):
			return p.createTrigger(line)
		}
		p.accept("global")
		p.accept("local")
		p.accept("temp")
		p.accept("temporary")
		p.accept("unlogged")
		if p.accept("table") {
			return p.createTable(line)
		}
		p.objectKind("CREATE", createKinds)
	case p.accept("alter", "table"):
		return p.alterTable(line)
	case p.accept("alter", "type"):
		return p.alterType(line)
	case p.accept("alter"):
		p.objectKind("ALTER", alterKinds)
	case p.accept("drop", "table"):
		return &DropTable{node: node{line}, Names: p.dropNames()}
	case p.accept("drop", "type"):
		return &DropType{node: node{line}, Names: p.dropNames()}
	}
	return nil
}

// Object kinds Postgres accepts after CREATE and ALTER that the grammar
// skips. Any other word there is a typo and is reported.
var (
	createKinds = wordSet("access aggregate cast collation conversion database default domain event extension " +
		"foreign group language materialized operator procedural procedure publication recursive role rule " +
		"schema sequence server statistics subscription tablespace text transform trusted user view")
	alterKinds = wordSet("aggregate collation conversion database default domain event extension foreign function " +
		"group index language large materialized operator policy procedure publication role routine rule " +
		"schema sequence server statistics subscription system tablespace text trigger user view")
)

func wordSet(words string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(words) {
		set[w] = true
	}
	return set
}

// objectKind fails unless the next token names an object kind in kinds.
func (p *parser) objectKind(verb string, kinds map[string]bool) {
	if t := p.peek(); t.Kind != Ident || !kinds[t.Value] {
		p.fail("%s: unrecognized object kind %s", verb, describe(t))
	}
}

func (p *parser) dropNames() []string {
	p.accept("if", "exists")
	var names []string
	for {
		_, name := p.qualifiedName()
		names = append(names, name)
		if !p.acceptPunct(",") {
			break
		}
	}
	return names
}

func (p *parser) createTable(line int) Statement {
	st := &CreateTable{node: node{line}}
	st.IfNotExists = p.accept("if", "not", "exists")
	st.Schema, st.Name = p.qualifiedName()
	if p.peek().Is("as") || p.peek().Is("partition") || p.peek().Is("of") {
		p.fail("CREATE TABLE %s: %s form is not supported", st.Name, strings.ToUpper(p.peek().Value))
		return nil
	}
	body := p.group()
	if p.err != nil {
		p.err = fmt.Errorf("CREATE TABLE %s: %w", st.Name, p.err)
		return nil
	}

	for _, elem := range splitTopLevel(body, ",") {
		ep := p.sub(elem)
		first := elem[0]
		switch {
		case first.Is("like"):
			continue
		case isConstraintStart(first):
			if c := ep.tableConstraint(); ep.err == nil && c != nil {
				st.Constraints = append(st.Constraints, c)
			}
		default:
			if col := ep.columnDef(); ep.err == nil {
				st.Columns = append(st.Columns, col)
			}
		}
		if ep.err != nil {
			st.Skipped = append(st.Skipped, Diagnostic{
				Line:    first.Line,
				Message: fmt.Sprintf("table %s: skipped element %q: %v", st.Name, abbreviate(p.text(elem)), ep.err),
			})
		}
	}
	return st
}

func isConstraintStart(t Token) bool {
	if t.Kind != Ident {
		return false
	}
	switch t.Value {
	case "constraint", "primary", "unique", "foreign", "check", "exclude":
		return true
	}
	return false
}

// typeStops ends a type name; it also ends DEFAULT expressions.
var typeStops = map[string]bool{
	"constraint": true, "not": true, "null": true, "primary": true, "unique": true,
	"default": true, "references": true, "check": true, "generated": true,
	"collate": true, "using": true, "deferrable": true, "initially": true,
}

func (p *parser) columnDef() *ColumnDef {
	col := &ColumnDef{node: node{p.peek().Line}}
	col.Name = p.ident()
	col.Type = p.typeName()
	for !p.done() {
		p.columnConstraint(col)
	}
	return col
}

func (p *parser) typeName() string {
	var b strings.Builder
	afterDot := false
	for !p.done() {
		t := p.peek()
		switch {
		case (t.Kind == Ident && !typeStops[t.Value]) || t.Kind == QuotedIdent:
			if b.Len() > 0 && !afterDot {
				b.WriteByte(' ')
			}
			b.WriteString(t.Value)
			afterDot = false
			p.advance()
		case t.IsPunct(".") && b.Len() > 0:
			b.WriteByte('.')
			afterDot = true
			p.advance()
		case t.IsPunct("(") && b.Len() > 0:
			var params []string
			for _, tok := range p.group() {
				params = append(params, tok.Value)
			}
			b.WriteString("(" + strings.Join(params, "") + ")")
		case t.IsPunct("["):
			p.advance()
			for !p.done() && !p.acceptPunct("]") {
				p.advance()
			}
			b.WriteString("[]")
		default:
			if b.Len() == 0 {
				p.fail("expected type, found %s", describe(t))
			}
			return b.String()
		}
	}
	if b.Len() == 0 {
		p.fail("missing column type")
	}
	return b.String()
}

func (p *parser) columnConstraint(col *ColumnDef) {
	name := ""
	if p.accept("constraint") {
		name = p.ident()
	}
	switch {
	case p.accept("not", "null"):
		col.NotNull = true
	case p.accept("null"):
	case p.accept("primary", "key"):
		col.PrimaryKey, col.PrimaryKeyName = true, name
	case p.accept("unique"):
		p.accept("nulls", "not", "distinct")
		p.accept("nulls", "distinct")
		col.Unique, col.UniqueName = true, name
	case p.accept("default"):
		expr := p.expression()
		col.Default = &expr
	case p.accept("references"):
		col.References, col.ReferenceName = p.foreignRef(), name
	case p.accept("check"):
		col.Checks = append(col.Checks, CheckDef{Name: name, Expr: p.groupText()})
		p.accept("no", "inherit")
	case p.accept("generated"):
		col.Generated = true
		if !p.accept("always") {
			p.accept("by", "default")
		}
		p.expect("as")
		if p.accept("identity") {
			col.Identity = true
			if p.peek().IsPunct("(") {
				p.group()
			}
			return
		}
		p.group()
		p.accept("stored")
	case p.accept("collate"):
		p.qualifiedName()
	case p.accept("deferrable"), p.accept("not", "deferrable"):
	case p.accept("initially"):
		p.advance()
	default:
		p.fail("unexpected %s in column %s", describe(p.peek()), col.Name)
	}
}

// expression consumes at least one token and stops before a top-level
// column-constraint keyword, returning the verbatim source text.
func (p *parser) expression() string {
	if p.done() {
		p.fail("missing expression")
		return ""
	}
	start := p.pos
	depth := 0
	for !p.done() {
		t := p.peek()
		if depth == 0 && p.pos > start && t.Kind == Ident && typeStops[t.Value] {
			break
		}
		if t.IsPunct("(") {
			depth++
		} else if t.IsPunct(")") {
			depth--
		}
		p.advance()
	}
	return p.text(p.toks[start:p.pos])
}

func (p *parser) foreignRef() *ForeignRef {
	ref := &ForeignRef{}
	ref.Schema, ref.Table = p.qualifiedName()
	if p.peek().IsPunct("(") {
		ref.Columns = p.identList()
	}
	for !p.done() {
		switch {
		case p.accept("on", "delete"):
			ref.OnDelete = p.refAction()
		case p.accept("on", "update"):
			ref.OnUpdate = p.refAction()
		case p.accept("match"):
			p.advance()
		case p.accept("deferrable"), p.accept("not", "deferrable"):
		case p.accept("initially"):
			p.advance()
		default:
			return ref
		}
	}
	return ref
}

func (p *parser) refAction() string {
	var action string
	switch {
	case p.accept("cascade"):
		action = "CASCADE"
	case p.accept("restrict"):
		action = "RESTRICT"
	case p.accept("no", "action"):
		action = "NO ACTION"
	case p.accept("set", "null"):
		action = "SET NULL"
	case p.accept("set", "default"):
		action = "SET DEFAULT"
	default:
		p.fail("unknown referential action %s", describe(p.peek()))
		return ""
	}
	if p.peek().IsPunct("(") {
		p.group()
	}
	return action
}

func (p *parser) tableConstraint() *TableConstraint {
	start := p.pos
	c := &TableConstraint{node: node{p.peek().Line}}
	if p.accept("constraint") {
		c.Name = p.ident()
	}
	switch {
	case p.accept("primary", "key"):
		c.Type = PrimaryKey
		c.Columns = p.identList()
	case p.accept("unique"):
		c.Type = Unique
		p.accept("nulls", "not", "distinct")
		p.accept("nulls", "distinct")
		c.Columns = p.identList()
	case p.accept("foreign", "key"):
		c.Type = ForeignKey
		c.Columns = p.identList()
		p.expect("references")
		c.Ref = p.foreignRef()
	case p.accept("check"):
		c.Type = Check
		c.Expr = p.groupText()
		p.accept("no", "inherit")
	case p.accept("exclude"):
		p.rest()
		return nil
	default:
		p.fail("expected constraint, found %s", describe(p.peek()))
		return nil
	}
	for !p.done() {
		switch {
		case p.accept("using", "index", "tablespace"):
			p.ident()
		case p.accept("include"), p.accept("with"):
			p.group()
		case p.accept("deferrable"), p.accept("not", "deferrable"), p.accept("not", "valid"):
		case p.accept("initially"):
			p.advance()
		default:
			p.fail("unexpected %s after %s constraint", describe(p.peek()), c.Type)
		}
	}
	if p.err == nil {
		c.Definition = p.text(p.toks[start:p.pos])
	}
	return c
}

func (p *parser) createType(line int) Statement {
	schema, name := p.qualifiedName()
	if !p.accept("as", "enum") {
		// Composite and range types are outside the grammar.
		p.rest()
		return nil
	}
	st := &CreateEnum{node: node{line}, Schema: schema, Name: name}
	inner := p.group()
	for _, piece := range splitTopLevel(inner, ",") {
		if len(piece) != 1 || piece[0].Kind != String {
			p.fail("enum %s: expected string literal, found %q", name, p.text(piece))
			return nil
		}
		st.Values = append(st.Values, piece[0].Value)
	}
	return st
}

func (p *parser) alterType(line int) Statement {
	schema, name := p.qualifiedName()
	if !p.accept("add", "value") {
		p.rest()
		return nil
	}
	st := &AlterEnum{node: node{line}, Schema: schema, Name: name}
	p.accept("if", "not", "exists")
	st.Value = p.stringLit()
	switch {
	case p.accept("before"):
		st.Before = p.stringLit()
	case p.accept("after"):
		st.After = p.stringLit()
	}
	return st
}

func (p *parser) stringLit() string {
	if p.err != nil {
		return ""
	}
	t := p.peek()
	if t.Kind != String {
		p.fail("expected string literal, found %s", describe(t))
		return ""
	}
	p.advance()
	return t.Value
}

func (p *parser) createIndex(line int, unique bool) Statement {
	st := &CreateIndex{node: node{line}, Unique: unique, Method: "btree"}
	p.accept("concurrently")
	st.IfNotExists = p.accept("if", "not", "exists")
	if !p.peek().Is("on") {
		st.Name = p.ident()
	}
	p.expect("on")
	p.accept("only")
	st.Schema, st.Table = p.qualifiedName()
	if p.accept("using") {
		st.Method = p.ident()
	}
	for _, elem := range splitTopLevel(p.group(), ",") {
		st.Columns = append(st.Columns, p.indexElement(elem))
	}
	if p.err != nil {
		return nil
	}
	if st.Name == "" {
		st.Name = st.Table + "_" + strings.Join(st.Columns, "_") + "_idx"
	}
	p.rest()
	return st
}

// indexElement returns the column name of a plain index element, or the
// verbatim expression text otherwise.
func (p *parser) indexElement(elem []Token) string {
	first := elem[0]
	if (first.Kind == Ident || first.Kind == QuotedIdent) && (len(elem) == 1 || !elem[1].IsPunct("(")) {
		return first.Value
	}
	return p.text(elem)
}

func (p *parser) alterTable(line int) Statement {
	st := &AlterTable{node: node{line}}
	p.accept("if", "exists")
	p.accept("only")
	st.Schema, st.Table = p.qualifiedName()
	if p.err != nil {
		return nil
	}
	for _, piece := range splitTopLevel(p.rest(), ",") {
		ap := p.sub(piece)
		action, ok := ap.alterAction()
		if ap.err != nil {
			st.Skipped = append(st.Skipped, Diagnostic{
				Line:    piece[0].Line,
				Message: fmt.Sprintf("ALTER TABLE %s: skipped action %q: %v", st.Table, abbreviate(p.text(piece)), ap.err),
			})
			continue
		}
		if ok {
			st.Actions = append(st.Actions, action)
		}
	}
	return st
}

func (p *parser) alterAction() (AlterAction, bool) {
	switch {
	case p.accept("add"):
		if isConstraintStart(p.peek()) {
			c := p.tableConstraint()
			return AlterAction{Kind: AddConstraint, Constraint: c}, c != nil
		}
		p.accept("column")
		ifNotExists := p.accept("if", "not", "exists")
		return AlterAction{Kind: AddColumn, Column: p.columnDef(), IfNotExists: ifNotExists}, true
	case p.accept("enable", "row", "level", "security"):
		return AlterAction{Kind: EnableRLS}, true
	case p.accept("drop", "constraint"):
		p.accept("if", "exists")
		return AlterAction{Kind: DropConstraint, Name: p.ident()}, true
	case p.accept("drop"):
		p.accept("column")
		p.accept("if", "exists")
		return AlterAction{Kind: DropColumn, Name: p.ident()}, true
	case p.accept("rename", "to"):
		return AlterAction{Kind: RenameTable, NewName: p.ident()}, true
	case p.accept("rename", "constraint"):
		return AlterAction{}, false
	case p.accept("rename"):
		p.accept("column")
		a := AlterAction{Kind: RenameColumn, Name: p.ident()}
		p.expect("to")
		a.NewName = p.ident()
		return a, true
	case p.accept("alter"):
		p.accept("column")
		name := p.ident()
		switch {
		case p.accept("set", "default"):
			return AlterAction{Kind: SetDefault, Name: name, Expr: p.expression()}, true
		case p.accept("drop", "default"):
			return AlterAction{Kind: DropDefault, Name: name}, true
		case p.accept("set", "not", "null"):
			return AlterAction{Kind: SetNotNull, Name: name}, true
		case p.accept("drop", "not", "null"):
			return AlterAction{Kind: DropNotNull, Name: name}, true
		case p.accept("set", "data", "type"), p.accept("type"):
			a := AlterAction{Kind: SetType, Name: name, Type: p.typeName()}
			p.rest()
			return a, true
		}
	}
	return AlterAction{}, false
}

func (p *parser) createPolicy(line int) Statement {
	st := &CreatePolicy{node: node{line}, Command: "ALL"}
	st.Name = p.ident()
	p.expect("on")
	st.Schema, st.Table = p.qualifiedName()
	if p.accept("as") {
		p.advance()
	}
	if p.accept("for") {
		st.Command = strings.ToUpper(p.advance().Value)
	}
	if p.accept("to") {
		for {
			st.Roles = append(st.Roles, p.ident())
			if !p.acceptPunct(",") {
				break
			}
		}
	}
	if p.accept("using") {
		st.Using = p.groupText()
	}
	if p.accept("with", "check") {
		st.Check = p.groupText()
	}
	if !p.done() {
		p.fail("policy %s: unexpected %s", st.Name, describe(p.peek()))
	}
	return st
}

var functionOptions = []string{
	"language", "as", "immutable", "stable", "volatile", "security", "set",
	"strict", "called", "cost", "rows", "parallel", "leakproof", "window",
	"returns", "external", "support", "transform", "begin", "return", "not",
}

func (p *parser) createFunction(line int) Statement {
	st := &CreateFunction{node: node{line}}
	st.Schema, st.Name = p.qualifiedName()
	st.Arguments = p.groupText()
	for !p.done() {
		switch {
		case p.accept("returns"):
			start := p.pos
			p.skipUntil(functionOptions...)
			st.Returns = p.text(p.toks[start:p.pos])
		case p.accept("language"):
			st.Language = strings.ToLower(p.advance().Value)
		default:
			p.advance()
		}
	}
	return st
}

func (p *parser) createTrigger(line int) Statement {
	st := &CreateTrigger{node: node{line}}
	st.Name = p.ident()
	switch {
	case p.accept("before"):
		st.Timing = "BEFORE"
	case p.accept("after"):
		st.Timing = "AFTER"
	case p.accept("instead", "of"):
		st.Timing = "INSTEAD OF"
	default:
		p.fail("trigger %s: expected BEFORE, AFTER or INSTEAD OF", st.Name)
		return nil
	}
	for !p.done() {
		st.Events = append(st.Events, strings.ToUpper(p.advance().Value))
		if p.accept("of") {
			for {
				p.ident()
				if !p.acceptPunct(",") {
					break
				}
			}
		}
		if !p.accept("or") {
			break
		}
	}
	p.expect("on")
	st.Schema, st.Table = p.qualifiedName()
	p.skipUntil("execute")
	p.expect("execute")
	if !p.accept("function") {
		p.expect("procedure")
	}
	schema, fn := p.qualifiedName()
	if schema != "" {
		fn = schema + "." + fn
	}
	st.Function = fn
	return st
}

func abbreviate(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 60 {
		return s[:57] + "..."
	}
	return s
}
