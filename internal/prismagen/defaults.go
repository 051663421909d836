package prismagen

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/lexledger/lexmigrate/internal/metadata"
)

var (
	castSuffix = regexp.MustCompile(`^(.*?)(::[a-zA-Z_][\w ."]*(\(\d+(,\s*\d+)?\))?(\[\])*)+$`)
	uuidFunc   = regexp.MustCompile(`^([a-z_][a-z0-9_]*\.)?(gen_random_uuid|uuid_generate_v4)\(\)$`)
	nowFunc    = regexp.MustCompile(`^(now\(\)|current_timestamp|transaction_timestamp\(\)|timezone\('utc', *now\(\)\))$`)
	number     = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
)

// stripCasts removes trailing ::type casts and redundant outer parentheses.
func stripCasts(expr string) string {
	expr = strings.TrimSpace(expr)
	for {
		if m := castSuffix.FindStringSubmatch(expr); m != nil && !strings.HasSuffix(m[1], ":") {
			expr = strings.TrimSpace(m[1])
			continue
		}
		if strings.HasPrefix(expr, "(") && strings.HasSuffix(expr, ")") && balanced(expr[1:len(expr)-1]) {
			expr = strings.TrimSpace(expr[1 : len(expr)-1])
			continue
		}
		return expr
	}
}

func balanced(s string) bool {
	depth := 0
	for _, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}

// defaultAttr renders col's default as an @default attribute. It returns ""
// when there is nothing to render, warning when an expression was dropped.
func (g *generator) defaultAttr(table string, col *metadata.Column, s scalar) string {
	if col.Identity || (s.Serial && col.Default == nil) {
		return "@default(autoincrement())"
	}
	if col.Default == nil {
		return ""
	}
	raw := strings.TrimSpace(*col.Default)
	expr := stripCasts(raw)
	lower := strings.ToLower(strings.Join(strings.Fields(expr), " "))
	lower = strings.ReplaceAll(lower, "'utc'::text", "'utc'")

	switch {
	case lower == "null":
		return ""
	case uuidFunc.MatchString(lower):
		return "@default(uuid())"
	case nowFunc.MatchString(lower):
		return "@default(now())"
	case strings.HasPrefix(lower, "nextval("):
		return "@default(autoincrement())"
	case lower == "true" || lower == "false":
		return "@default(" + lower + ")"
	case number.MatchString(expr):
		if s.Type == "Boolean" {
			break
		}
		return "@default(" + expr + ")"
	case strings.HasPrefix(expr, "'") && strings.HasSuffix(expr, "'") && len(expr) >= 2:
		if lit, ok := g.literalDefault(table, col, s, unquote(expr)); ok {
			return lit
		}
		return ""
	}
	g.warnf("column %s.%s: default %s cannot be expressed in Prisma and was omitted", table, col.Name, raw)
	return ""
}

func (g *generator) literalDefault(table string, col *metadata.Column, s scalar, value string) (string, bool) {
	if s.List {
		if value == "{}" {
			return "@default([])", true
		}
		g.warnf("column %s.%s: array default %q was omitted", table, col.Name, value)
		return "", false
	}
	if s.Enum != nil {
		for _, v := range s.Enum.Values {
			if v == value {
				name, _ := identifier(value)
				return "@default(" + name + ")", true
			}
		}
		g.warnf("column %s.%s: default %q is not a value of enum %s", table, col.Name, value, s.Enum.Name)
		return "", false
	}
	switch s.Type {
	case "Int", "BigInt", "Decimal":
		if number.MatchString(value) {
			return "@default(" + value + ")", true
		}
	case "Boolean":
		switch strings.ToLower(value) {
		case "true", "t", "yes", "on", "1":
			return "@default(true)", true
		case "false", "f", "no", "off", "0":
			return "@default(false)", true
		}
	default:
		return "@default(" + strconv.Quote(value) + ")", true
	}
	g.warnf("column %s.%s: default %q does not fit type %s and was omitted", table, col.Name, value, s.Type)
	return "", false
}

func unquote(lit string) string {
	return strings.ReplaceAll(lit[1:len(lit)-1], "''", "'")
}
