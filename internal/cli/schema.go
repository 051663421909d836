package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/lexledger/lexmigrate/internal/auditlog"
	"github.com/lexledger/lexmigrate/internal/cli/ui"
	"github.com/lexledger/lexmigrate/internal/config"
	"github.com/lexledger/lexmigrate/internal/extract"
	"github.com/lexledger/lexmigrate/internal/metadata"
	"github.com/lexledger/lexmigrate/internal/postgres"
	"github.com/lexledger/lexmigrate/internal/prismagen"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Extract the legacy schema and generate the Prisma schema",
}

var schemaExtractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Parse the Supabase migration files into the schema model",
	Long: `Read every .sql file under the migrations path in lexical order and build the
schema model: tables, columns, keys, indexes, enums, RLS policies, triggers and
functions. Statements that cannot be parsed become warnings.

Examples:
  lexmigrate schema extract --validate
  lexmigrate schema extract --export schema.yaml
  lexmigrate schema extract --live --legacy-url postgres://...`,
	RunE: runSchemaExtract,
}

var schemaGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Render a Prisma schema from the migrations or an exported model",
	Long: `Generate schema.prisma. The model is read from --input (a JSON or YAML file
written by "schema extract --export") or extracted from the migrations path.

Examples:
  lexmigrate schema generate --output prisma/schema.prisma --comments
  lexmigrate schema generate --input schema.yaml --output prisma/schema.prisma --update`,
	RunE: runSchemaGenerate,
}

var schemaValidateCmd = &cobra.Command{
	Use:   "validate <schema.prisma>",
	Short: "Check a Prisma schema for structural errors",
	Args:  cobra.ExactArgs(1),
	RunE:  runSchemaValidate,
}

func init() {
	schemaCmd.PersistentFlags().String("migrations-path", "", "Directory or file of legacy .sql migrations")

	schemaExtractCmd.Flags().String("legacy-url", "", "Legacy Supabase Postgres URL for --live")
	schemaExtractCmd.Flags().Bool("live", false, "Merge tables found only in the live legacy database")
	schemaExtractCmd.Flags().Bool("validate", false, "Check for missing essential tables and broken foreign keys")
	schemaExtractCmd.Flags().String("export", "", "Write the model to a .json, .yaml or .yml file")

	schemaGenerateCmd.Flags().String("input", "", "Exported schema model to render instead of extracting")
	schemaGenerateCmd.Flags().StringP("output", "o", "", "Write the document to this path (default stdout)")
	schemaGenerateCmd.Flags().Bool("comments", false, "Add a header and per-model source comments")
	schemaGenerateCmd.Flags().Bool("preserve-metadata", false, "Record RLS policies and triggers as model comments")
	schemaGenerateCmd.Flags().Bool("update", false, "Regenerate --output in place, keeping a .bak copy")

	schemaCmd.AddCommand(schemaExtractCmd)
	schemaCmd.AddCommand(schemaGenerateCmd)
	schemaCmd.AddCommand(schemaValidateCmd)
}

// newOfflineExtractor builds an extractor that only touches the legacy
// database when live is set. The returned func releases the connection.
func newOfflineExtractor(ctx context.Context, cfg *config.Config, live bool) (*extract.Extractor, func(), error) {
	logger := newLogger(cfg.Logging, os.Stderr)
	audit := auditlog.NewSlog(logger)
	if !live {
		return extract.New(logger, audit, nil), func() {}, nil
	}
	if cfg.Legacy.DatabaseURL == "" {
		return nil, nil, errors.New("--live needs a legacy database URL (--legacy-url or legacy.database_url)")
	}
	pool, err := postgres.New(ctx, postgres.Config{Name: "legacy", URL: cfg.Legacy.DatabaseURL, MaxConns: 2}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to legacy database: %w", err)
	}
	return extract.New(logger, audit, extract.NewPGLive(pool)), pool.Close, nil
}

func runSchemaExtract(cmd *cobra.Command, args []string) error {
	live, _ := cmd.Flags().GetBool("live")
	validate, _ := cmd.Flags().GetBool("validate")
	exportPath, _ := cmd.Flags().GetString("export")
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ex, release, err := newOfflineExtractor(ctx, cfg, live)
	if err != nil {
		return err
	}
	defer release()

	result, err := ex.Extract(ctx, extract.Options{MigrationPath: cfg.Legacy.MigrationsPath, IncludeLiveSchema: live, ExportPath: exportPath})
	if err != nil {
		return err
	}

	var report *extract.ValidationReport
	if validate {
		r := extract.Validate(result, schemaValidateOptions(cfg))
		report = &r
	}

	if jsonOutput(cmd) {
		return writeJSON(cmd.OutOrStdout(), map[string]any{"result": result, "validation": report})
	}

	w, c := cmd.OutOrStdout(), colorEnabled()
	printExtraction(w, result, c)
	if exportPath != "" {
		fmt.Fprintf(w, "Exported to %s\n", exportPath)
	}
	if report != nil {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "%s schema validation\n", passFail(report.IsValid, c))
		for _, e := range report.Errors {
			fmt.Fprintf(w, "  %s %s\n", red(ui.SymbolCross, c), e)
		}
		for _, warn := range report.Warnings {
			fmt.Fprintf(w, "  %s %s\n", yellow(ui.SymbolWarning, c), warn)
		}
		if !report.IsValid {
			return errors.New("extracted schema failed validation")
		}
	}
	return nil
}

func printExtraction(w io.Writer, r *metadata.ExtractionResult, c bool) {
	fmt.Fprintf(w, "%s %d tables, %d enums, %d functions from %d files\n",
		green(ui.SymbolCheck, c), len(r.Tables), len(r.Enums), len(r.Functions), len(r.SourceFiles))
	tw := newTable(w)
	for _, t := range r.Tables {
		name, rls := t.Name, ""
		if t.Schema != "" {
			name = t.Schema + "." + t.Name
		}
		if t.RLSEnabled {
			rls = "rls"
		}
		fmt.Fprintf(tw, "  %s\t%d columns\t%d policies\t%s\n", name, len(t.Columns), len(t.Policies), rls)
	}
	tw.Flush()
	for _, warn := range r.Warnings {
		fmt.Fprintf(w, "  %s %s\n", yellow(ui.SymbolWarning, c), warn)
	}
}

func runSchemaGenerate(cmd *cobra.Command, args []string) error {
	input, _ := cmd.Flags().GetString("input")
	output, _ := cmd.Flags().GetString("output")
	update, _ := cmd.Flags().GetBool("update")
	comments, _ := cmd.Flags().GetBool("comments")
	preserve, _ := cmd.Flags().GetBool("preserve-metadata")
	if update && output == "" {
		return errors.New("--update needs --output")
	}

	var result *metadata.ExtractionResult
	if input != "" {
		var err error
		if result, err = extract.Load(input); err != nil {
			return err
		}
	} else {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ex, release, err := newOfflineExtractor(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer release()
		if result, err = ex.Extract(cmd.Context(), extract.Options{MigrationPath: cfg.Legacy.MigrationsPath}); err != nil {
			return err
		}
	}

	opts := prismagen.Options{OutputPath: output, IncludeComments: comments, PreserveSupabaseMetadata: preserve}
	var (
		res *prismagen.Result
		err error
	)
	if update {
		res, err = prismagen.UpdateExisting(result, output, opts)
	} else {
		res, err = prismagen.Generate(result, opts)
	}
	if err != nil {
		return err
	}

	if jsonOutput(cmd) {
		return writeJSON(cmd.OutOrStdout(), res)
	}
	if output == "" {
		fmt.Fprint(cmd.OutOrStdout(), res.Document)
		return nil
	}
	w, c := cmd.ErrOrStderr(), colorEnabled()
	fmt.Fprintf(w, "%s Wrote %s: %d models, %d enums\n", green(ui.SymbolCheck, c), output, res.TablesGenerated, res.EnumsGenerated)
	for _, warn := range res.Warnings {
		fmt.Fprintf(w, "  %s %s\n", yellow(ui.SymbolWarning, c), warn)
	}
	return nil
}

func runSchemaValidate(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	report := prismagen.ValidateDocument(string(data))
	if jsonOutput(cmd) {
		if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
	} else {
		w, c := cmd.OutOrStdout(), colorEnabled()
		fmt.Fprintf(w, "%s %s: %d models, %d enums\n", passFail(report.IsValid, c), args[0], report.Models, report.Enums)
		for _, e := range report.Errors {
			fmt.Fprintf(w, "  %s %s\n", red(ui.SymbolCross, c), e)
		}
		for _, warn := range report.Warnings {
			fmt.Fprintf(w, "  %s %s\n", yellow(ui.SymbolWarning, c), warn)
		}
	}
	if !report.IsValid {
		return fmt.Errorf("%s is not a valid Prisma schema", args[0])
	}
	return nil
}
