package metadata

import "strings"

// TypeInfo is a column type split into its parts.
type TypeInfo struct {
	// Base is the type name without parameters, array suffix or schema
	// prefix, e.g. "character varying".
	Base string
	// Params holds the raw parameter list, e.g. "255" or "10,2".
	Params string
	Array  bool
}

// ParseType splits a declared column type such as "varchar(255)[]",
// "public.case_status" or "timestamp(3) with time zone".
func ParseType(t string) TypeInfo {
	t = strings.TrimSpace(t)
	var info TypeInfo
	for strings.HasSuffix(t, "[]") {
		info.Array = true
		t = strings.TrimSpace(strings.TrimSuffix(t, "[]"))
	}
	if strings.HasPrefix(t, "_") && builtinTypes[t[1:]] {
		// Internal array names such as _text.
		info.Array = true
		t = t[1:]
	}
	if open := strings.IndexByte(t, '('); open >= 0 {
		if closing := strings.IndexByte(t[open:], ')'); closing > 0 {
			info.Params = strings.ReplaceAll(t[open+1:open+closing], " ", "")
			t = strings.TrimSpace(t[:open]) + " " + strings.TrimSpace(t[open+closing+1:])
		}
	}
	t = strings.Join(strings.Fields(t), " ")
	t = strings.Trim(t, `"`)
	if dot := strings.LastIndexByte(t, '.'); dot >= 0 {
		t = strings.Trim(t[dot+1:], `"`)
	}
	info.Base = t
	return info
}

var builtinTypes = map[string]bool{
	"text": true, "varchar": true, "character varying": true, "char": true, "character": true,
	"bpchar": true, "citext": true, "name": true,
	"integer": true, "int": true, "int4": true, "smallint": true, "int2": true,
	"serial": true, "serial4": true, "smallserial": true, "serial2": true,
	"bigint": true, "int8": true, "bigserial": true, "serial8": true,
	"boolean": true, "bool": true,
	"timestamp": true, "timestamptz": true, "timestamp with time zone": true,
	"timestamp without time zone": true, "date": true, "time": true, "timetz": true,
	"time with time zone": true, "time without time zone": true, "interval": true,
	"numeric": true, "decimal": true, "real": true, "float4": true, "double precision": true,
	"float8": true, "float": true, "money": true,
	"uuid": true, "json": true, "jsonb": true, "bytea": true,
	"inet": true, "cidr": true, "macaddr": true, "tsvector": true, "xml": true,
}

// IsBuiltinType reports whether base names a standard Postgres type.
func IsBuiltinType(base string) bool {
	return builtinTypes[base]
}
