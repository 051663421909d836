package prismagen

import (
	"slices"

	"github.com/lexledger/lexmigrate/internal/metadata"
)

// sortTables orders tables so that every referenced table comes before the
// tables referencing it. Roots are visited in name order. A cycle is broken
// at the back edge and reported once per edge.
func (g *generator) sortTables() []*metadata.Table {
	byName := make(map[string]*metadata.Table, len(g.result.Tables))
	names := make([]string, 0, len(g.result.Tables))
	for _, t := range g.result.Tables {
		byName[t.Name] = t
		names = append(names, t.Name)
	}
	slices.Sort(names)

	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[string]int, len(names))
	ordered := make([]*metadata.Table, 0, len(names))

	var visit func(name string)
	visit = func(name string) {
		state[name] = visiting
		t := byName[name]
		var deps []string
		for _, fk := range t.ForeignKeys() {
			if fk.RefTable == name || !g.inResult(fk) || slices.Contains(deps, fk.RefTable) {
				continue
			}
			deps = append(deps, fk.RefTable)
		}
		slices.Sort(deps)
		for _, dep := range deps {
			switch state[dep] {
			case unvisited:
				visit(dep)
			case visiting:
				g.warnf("circular dependency between %s and %s", name, dep)
			}
		}
		state[name] = visited
		ordered = append(ordered, t)
	}

	for _, name := range names {
		if state[name] == unvisited {
			visit(name)
		}
	}
	return ordered
}

// inResult reports whether fk targets a table of the extraction result.
func (g *generator) inResult(fk *metadata.Constraint) bool {
	t := g.result.Table(fk.RefTable)
	if t == nil {
		return false
	}
	schema := t.Schema
	if schema == "" {
		schema = "public"
	}
	return fk.RefSchema == "" || fk.RefSchema == schema
}
