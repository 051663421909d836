package extract

import (
	"fmt"
	"slices"

	"github.com/lexledger/lexmigrate/internal/metadata"
)

// DefaultEssentialTables are the tables the practice-management data model
// cannot work without.
var DefaultEssentialTables = []string{
	"profiles",
	"user_roles",
	"cases",
	"clients",
	"audiences",
	"recovery_files",
	"advisory_clients",
	"rentals",
}

// DefaultExternalSchemas hold tables Supabase manages outside the migrations.
var DefaultExternalSchemas = []string{"auth", "storage"}

// ValidateOptions tunes Validate. Nil slices select the defaults.
type ValidateOptions struct {
	EssentialTables []string
	ExternalSchemas []string
}

// ValidationReport is the outcome of Validate. IsValid is true when Errors
// is empty.
type ValidationReport struct {
	IsValid  bool     `json:"isValid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// Validate checks result for missing essential tables and broken foreign
// keys. References into external schemas cannot be checked and are only
// reported as warnings.
func Validate(result *metadata.ExtractionResult, opts ValidateOptions) ValidationReport {
	essential := opts.EssentialTables
	if essential == nil {
		essential = DefaultEssentialTables
	}
	external := opts.ExternalSchemas
	if external == nil {
		external = DefaultExternalSchemas
	}

	report := ValidationReport{Errors: []string{}, Warnings: []string{}}
	for _, name := range essential {
		if result.Table(name) == nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("essential table %q is missing", name))
		}
	}

	for _, t := range result.Tables {
		if len(t.PrimaryKey()) == 0 {
			report.Warnings = append(report.Warnings, fmt.Sprintf("table %s has no primary key", t.Name))
		}
		for _, col := range t.Columns {
			typ := metadata.ParseType(col.Type)
			if !metadata.IsBuiltinType(typ.Base) && result.Enum(typ.Base) == nil {
				report.Warnings = append(report.Warnings, fmt.Sprintf(
					"column %s.%s has type %s, which is neither built in nor a known enum", t.Name, col.Name, col.Type))
			}
		}
		for _, fk := range t.ForeignKeys() {
			if slices.Contains(external, fk.RefSchema) {
				report.Warnings = append(report.Warnings, fmt.Sprintf(
					"foreign key %s on %s references external table %s.%s", fk.Name, t.Name, fk.RefSchema, fk.RefTable))
				continue
			}
			target := result.Table(fk.RefTable)
			if target == nil {
				report.Errors = append(report.Errors, fmt.Sprintf(
					"foreign key %s on %s references missing table %s", fk.Name, t.Name, fk.RefTable))
				continue
			}
			for _, col := range fk.RefColumns {
				if target.Column(col) == nil {
					report.Errors = append(report.Errors, fmt.Sprintf(
						"foreign key %s on %s references missing column %s.%s", fk.Name, t.Name, fk.RefTable, col))
				}
			}
		}
	}

	report.IsValid = len(report.Errors) == 0
	return report
}
