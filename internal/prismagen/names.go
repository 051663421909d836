package prismagen

import (
	"strconv"
	"strings"
	"unicode"
)

// pascal converts snake_case, kebab-case or spaced names to PascalCase:
// "recovery_files" -> "RecoveryFiles".
func pascal(name string) string {
	var b strings.Builder
	upper := true
	for _, r := range name {
		if !isIdentRune(r) || r == '_' {
			upper = true
			continue
		}
		if upper {
			b.WriteRune(unicode.ToUpper(r))
			upper = false
		} else {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" || !unicode.IsLetter(rune(out[0])) {
		out = "T" + out
	}
	return out
}

// identifier returns a valid Prisma identifier for name and whether it had
// to be changed.
func identifier(name string) (string, bool) {
	var b strings.Builder
	for _, r := range name {
		if isIdentRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" || !unicode.IsLetter(rune(out[0])) {
		out = "f_" + strings.TrimLeft(out, "_")
	}
	return out, out != name
}

func isIdentRune(r rune) bool {
	return r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
}

// deriveFieldName names the owning side of a relation. A single column with
// an _id suffix drops the suffix; anything else uses the referenced table.
func deriveFieldName(columns []string, refTable string) string {
	if len(columns) == 1 {
		if base, ok := strings.CutSuffix(columns[0], "_id"); ok && base != "" {
			return base
		}
	}
	return refTable
}

// nameSet hands out unique names within one scope.
type nameSet map[string]bool

func (s nameSet) claim(name string) string {
	if !s[name] {
		s[name] = true
		return name
	}
	for i := 2; ; i++ {
		candidate := name + strconv.Itoa(i)
		if !s[candidate] {
			s[candidate] = true
			return candidate
		}
	}
}
