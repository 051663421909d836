package prismagen

import (
	"fmt"
	"strings"

	"github.com/lexledger/lexmigrate/internal/metadata"
)

// scalar is the Prisma rendering of one column type.
type scalar struct {
	Type   string // String, Int, an enum model name, ...
	Native string // @db.* attribute or ""
	List   bool
	Enum   *metadata.Enum
	Serial bool
}

var scalarTypes = map[string]string{
	"text": "String", "varchar": "String", "character varying": "String", "char": "String",
	"character": "String", "bpchar": "String", "citext": "String", "name": "String",

	"integer": "Int", "int": "Int", "int4": "Int", "smallint": "Int", "int2": "Int",
	"serial": "Int", "serial4": "Int", "smallserial": "Int", "serial2": "Int",

	"bigint": "BigInt", "int8": "BigInt", "bigserial": "BigInt", "serial8": "BigInt",

	"boolean": "Boolean", "bool": "Boolean",

	"timestamp": "DateTime", "timestamptz": "DateTime", "timestamp with time zone": "DateTime",
	"timestamp without time zone": "DateTime", "date": "DateTime", "time": "DateTime",
	"timetz": "DateTime", "time with time zone": "DateTime", "time without time zone": "DateTime",

	"numeric": "Decimal", "decimal": "Decimal", "real": "Decimal", "float4": "Decimal",
	"double precision": "Decimal", "float8": "Decimal", "float": "Decimal", "money": "Decimal",

	"uuid": "String",
	"json": "Json", "jsonb": "Json",
	"bytea": "Bytes",
}

var serialTypes = map[string]bool{
	"serial": true, "serial4": true, "smallserial": true, "serial2": true,
	"bigserial": true, "serial8": true,
}

// mapType resolves col's type against the fixed lookup table and the
// extracted enums. Unknown types fall back to String with a warning.
func (g *generator) mapType(table string, col *metadata.Column) scalar {
	info := metadata.ParseType(col.Type)
	s := scalar{List: info.Array, Serial: serialTypes[info.Base]}

	if e := g.result.Enum(info.Base); e != nil {
		s.Type = g.enumNames[e.Name]
		s.Enum = e
		return s
	}
	typ, ok := scalarTypes[info.Base]
	if !ok {
		g.warnf("column %s.%s: unknown type %q mapped to String", table, col.Name, col.Type)
		s.Type = "String"
		return s
	}
	s.Type = typ
	s.Native = nativeAttr(info)
	return s
}

func nativeAttr(info metadata.TypeInfo) string {
	switch info.Base {
	case "uuid":
		return "@db.Uuid"
	case "varchar", "character varying":
		if info.Params != "" {
			return "@db.VarChar(" + info.Params + ")"
		}
	case "char", "character", "bpchar":
		if info.Params != "" {
			return "@db.Char(" + info.Params + ")"
		}
	case "numeric", "decimal":
		if info.Params != "" {
			p, s, _ := strings.Cut(info.Params, ",")
			if s == "" {
				s = "0"
			}
			return fmt.Sprintf("@db.Decimal(%s, %s)", p, s)
		}
	case "timestamptz", "timestamp with time zone":
		p := info.Params
		if p == "" {
			p = "6"
		}
		return "@db.Timestamptz(" + p + ")"
	case "date":
		return "@db.Date"
	case "json":
		return "@db.Json"
	}
	return ""
}
