package prismagen

import (
	"fmt"
	"regexp"
	"strings"
)

// ValidationReport is the outcome of ValidateDocument.
type ValidationReport struct {
	IsValid  bool     `json:"isValid"`
	Models   int      `json:"models"`
	Enums    int      `json:"enums"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

var (
	blockHeader  = regexp.MustCompile(`^(model|enum|datasource|generator|type|view)\s+([A-Za-z_]\w*)\s*\{$`)
	relationName = regexp.MustCompile(`@relation\(\s*(?:name:\s*)?"([^"]*)"`)
)

type block struct {
	kind, name string
	fields     []docField
}

type docField struct {
	name, typ, attrs string
}

// ValidateDocument performs structural checks on a Prisma schema: balanced
// braces, unique block names, a datasource, and an inverse field for every
// relation that declares fields.
func ValidateDocument(doc string) ValidationReport {
	report := ValidationReport{Errors: []string{}, Warnings: []string{}}
	blocks, braceErrs := parseBlocks(doc)
	report.Errors = append(report.Errors, braceErrs...)

	seen := make(map[string]string)
	models := make(map[string]*block)
	hasDatasource := false
	for _, blk := range blocks {
		switch blk.kind {
		case "model":
			report.Models++
			models[blk.name] = blk
		case "enum":
			report.Enums++
		case "datasource":
			hasDatasource = true
		}
		if blk.kind == "model" || blk.kind == "enum" {
			if prev, ok := seen[blk.name]; ok {
				report.Errors = append(report.Errors, fmt.Sprintf("duplicate name %s (%s and %s)", blk.name, prev, blk.kind))
			}
			seen[blk.name] = blk.kind
		}
	}
	if !hasDatasource {
		report.Warnings = append(report.Warnings, "no datasource block")
	}

	for _, blk := range blocks {
		if blk.kind != "model" {
			continue
		}
		for _, f := range blk.fields {
			if !strings.Contains(f.attrs, "@relation(") || !strings.Contains(f.attrs, "fields:") {
				continue
			}
			targetName := baseType(f.typ)
			target, ok := models[targetName]
			if !ok {
				report.Errors = append(report.Errors, fmt.Sprintf("%s.%s references unknown model %s", blk.name, f.name, targetName))
				continue
			}
			if !hasInverse(blk, f, target) {
				report.Errors = append(report.Errors, fmt.Sprintf("%s.%s has no inverse field on %s", blk.name, f.name, targetName))
			}
		}
	}

	report.IsValid = len(report.Errors) == 0
	return report
}

func hasInverse(owner *block, f docField, target *block) bool {
	name := relName(f.attrs)
	for _, other := range target.fields {
		if baseType(other.typ) != owner.name || (target == owner && other.name == f.name) {
			continue
		}
		if strings.Contains(other.attrs, "fields:") && target != owner {
			continue
		}
		if relName(other.attrs) == name {
			return true
		}
	}
	return false
}

func relName(attrs string) string {
	if m := relationName.FindStringSubmatch(attrs); m != nil {
		return m[1]
	}
	return ""
}

func baseType(typ string) string {
	return strings.TrimSuffix(strings.TrimSuffix(typ, "?"), "[]")
}

// parseBlocks splits doc into top-level blocks, checking brace balance with
// string literals and comments ignored.
func parseBlocks(doc string) ([]*block, []string) {
	var blocks []*block
	var errs []string
	var current *block
	depth := 0
	for i, raw := range strings.Split(doc, "\n") {
		line := strings.TrimSpace(stripComment(raw))
		if line == "" {
			continue
		}
		opens, closes := countBraces(line)
		if depth == 0 {
			if m := blockHeader.FindStringSubmatch(line); m != nil {
				current = &block{kind: m[1], name: m[2]}
				blocks = append(blocks, current)
			} else if opens > 0 {
				errs = append(errs, fmt.Sprintf("line %d: unrecognized block %q", i+1, line))
			}
		} else if depth == 1 && current != nil && !strings.HasPrefix(line, "@@") && line != "}" {
			parts := strings.Fields(line)
			if len(parts) >= 2 && current.kind == "model" {
				current.fields = append(current.fields, docField{
					name:  parts[0],
					typ:   parts[1],
					attrs: strings.Join(parts[2:], " "),
				})
			}
		}
		depth += opens - closes
		if depth < 0 {
			errs = append(errs, fmt.Sprintf("line %d: unbalanced closing brace", i+1))
			depth = 0
		}
		if depth == 0 {
			current = nil
		}
	}
	if depth != 0 {
		errs = append(errs, fmt.Sprintf("%d unclosed brace(s) at end of document", depth))
	}
	return blocks, errs
}

func stripComment(line string) string {
	inString := false
	for i := 0; i < len(line); i++ {
		switch c := line[i]; {
		case c == '\\' && inString:
			i++
		case c == '"':
			inString = !inString
		case c == '/' && !inString && i+1 < len(line) && line[i+1] == '/':
			return line[:i]
		}
	}
	return line
}

func countBraces(line string) (opens, closes int) {
	inString := false
	for i := 0; i < len(line); i++ {
		switch c := line[i]; {
		case c == '\\' && inString:
			i++
		case c == '"':
			inString = !inString
		case c == '{' && !inString:
			opens++
		case c == '}' && !inString:
			closes++
		}
	}
	return opens, closes
}
