package prismagen

import (
	"fmt"
	"slices"
	"strings"

	"github.com/lexledger/lexmigrate/internal/metadata"
)

// relation is one foreign key rendered as a pair of Prisma relation fields.
type relation struct {
	name     string
	owner    *metadata.Table
	target   *metadata.Table
	fk       *metadata.Constraint
	field    string
	inverse  string
	optional bool
	oneToOne bool
}

// buildRelations pairs every foreign key that stays inside the result with
// an inverse field on the referenced model. Keys into other schemas or
// missing tables keep only their scalar columns.
func (g *generator) buildRelations(tables []*metadata.Table) []*relation {
	tables = slices.Clone(tables)
	slices.SortFunc(tables, func(a, b *metadata.Table) int { return strings.Compare(a.Name, b.Name) })

	pairs := make(map[string]int)
	var rels []*relation
	for _, t := range tables {
		for _, fk := range t.ForeignKeys() {
			if !g.inResult(fk) {
				g.warnf("foreign key %s on %s references %s, which is not part of the schema; only the scalar column is kept",
					fk.Name, t.Name, qualified(fk.RefSchema, fk.RefTable))
				continue
			}
			target := g.result.Table(fk.RefTable)
			r := &relation{owner: t, target: target, fk: fk, oneToOne: t.HasUniqueOver(fk.Columns)}
			for _, c := range fk.Columns {
				if col := t.Column(c); col != nil && col.Nullable {
					r.optional = true
				}
			}
			if !target.HasUniqueOver(fk.RefColumns) {
				g.warnf("foreign key %s on %s references %s(%s), which is not unique",
					fk.Name, t.Name, target.Name, strings.Join(fk.RefColumns, ", "))
			}
			pairs[pairKey(t.Name, target.Name)]++
			rels = append(rels, r)
		}
	}

	for _, r := range rels {
		if r.owner == r.target || pairs[pairKey(r.owner.Name, r.target.Name)] > 1 {
			r.name = r.fk.Name
		}
		field, _ := identifier(deriveFieldName(r.fk.Columns, r.target.Name))
		r.field = g.fields[r.owner.Name].claim(field)
		inverse, _ := identifier(r.owner.Name)
		r.inverse = g.fields[r.target.Name].claim(inverse)
	}
	return rels
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}

func qualified(schema, table string) string {
	if schema == "" {
		return table
	}
	return schema + "." + table
}

var referentialActions = map[string]string{
	"CASCADE":     "Cascade",
	"SET NULL":    "SetNull",
	"SET DEFAULT": "SetDefault",
	"RESTRICT":    "Restrict",
	"NO ACTION":   "NoAction",
}

// ownerAttr renders the @relation attribute of the owning field.
func (g *generator) ownerAttr(r *relation) string {
	var args []string
	if r.name != "" {
		args = append(args, fmt.Sprintf("%q", r.name))
	}
	fields := make([]string, len(r.fk.Columns))
	for i, c := range r.fk.Columns {
		fields[i] = g.colFields[r.owner.Name][c]
	}
	refs := make([]string, len(r.fk.RefColumns))
	for i, c := range r.fk.RefColumns {
		if name, ok := g.colFields[r.target.Name][c]; ok {
			refs[i] = name
		} else {
			refs[i] = c
		}
	}
	args = append(args,
		"fields: ["+strings.Join(fields, ", ")+"]",
		"references: ["+strings.Join(refs, ", ")+"]",
	)
	if a, ok := referentialActions[r.fk.OnDelete]; ok {
		args = append(args, "onDelete: "+a)
	}
	if a, ok := referentialActions[r.fk.OnUpdate]; ok {
		args = append(args, "onUpdate: "+a)
	}
	return "@relation(" + strings.Join(args, ", ") + ")"
}
