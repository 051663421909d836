package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lexledger/lexmigrate/internal/extract"
	"github.com/lexledger/lexmigrate/internal/prismagen"
	"github.com/lexledger/lexmigrate/internal/testutil"
)

const usersPostsSQL = `
CREATE TABLE users (id uuid PRIMARY KEY, email text UNIQUE NOT NULL);
CREATE TABLE posts (id uuid PRIMARY KEY, user_id uuid REFERENCES users(id) ON DELETE CASCADE);
`

func schemaServer(t *testing.T) (http.Handler, string) {
	t.Helper()
	dir := testutil.WriteFiles(t, t.TempDir(), map[string]string{"20240101_init.sql": usersPostsSQL})
	cfg := testConfig("")
	cfg.Legacy.MigrationsPath = dir
	srv := New(cfg, testutil.DiscardLogger(), Deps{
		Migration:        newFakeMigration(),
		Extractor:        extract.New(testutil.DiscardLogger(), nil, nil),
		SchemaValidation: extract.ValidateOptions{EssentialTables: []string{"users", "posts"}},
	})
	return srv.Router(), dir
}

func TestExtractSchemaDefaultsToConfiguredPath(t *testing.T) {
	t.Parallel()
	h, _ := schemaServer(t)

	w := do(t, h, http.MethodPost, "/migration/schema/extract", "")
	testutil.StatusCode(t, http.StatusOK, w.Code)
	resp := decode[extractResponse](t, w)
	testutil.SliceLen(t, resp.Result.Tables, 2)
	testutil.Nil(t, resp.Validation)
}

func TestExtractSchemaValidatesAndExports(t *testing.T) {
	t.Parallel()
	h, dir := schemaServer(t)
	export := filepath.Join(t.TempDir(), "schema.yaml")

	body, _ := json.Marshal(map[string]any{
		"migrationPath":  dir,
		"validateSchema": true,
		"exportToFile":   export,
	})
	w := do(t, h, http.MethodPost, "/migration/schema/extract", string(body))
	testutil.StatusCode(t, http.StatusOK, w.Code)
	resp := decode[extractResponse](t, w)
	testutil.NotNil(t, resp.Validation)
	testutil.True(t, resp.Validation.IsValid, "%v", resp.Validation.Errors)

	loaded, err := extract.Load(export)
	testutil.NoError(t, err)
	testutil.SliceLen(t, loaded.Tables, 2)
}

func TestExtractSchemaBadInput(t *testing.T) {
	t.Parallel()
	h, _ := schemaServer(t)

	body, _ := json.Marshal(map[string]any{"migrationPath": filepath.Join(t.TempDir(), "missing")})
	w := do(t, h, http.MethodPost, "/migration/schema/extract", string(body))
	testutil.StatusCode(t, http.StatusBadRequest, w.Code)

	body, _ = json.Marshal(map[string]any{"exportToFile": filepath.Join(t.TempDir(), "schema.xml")})
	w = do(t, h, http.MethodPost, "/migration/schema/extract", string(body))
	testutil.StatusCode(t, http.StatusBadRequest, w.Code)
}

// The extract response is posted back to generate-prisma unchanged,
// as a client would.
func TestGeneratePrismaFromExtractedSchema(t *testing.T) {
	t.Parallel()
	h, _ := schemaServer(t)

	w := do(t, h, http.MethodPost, "/migration/schema/extract", "{}")
	testutil.StatusCode(t, http.StatusOK, w.Code)
	var extracted struct {
		Result json.RawMessage `json:"result"`
	}
	testutil.NoError(t, json.NewDecoder(w.Body).Decode(&extracted))

	out := filepath.Join(t.TempDir(), "prisma", "schema.prisma")
	body := `{"extractedSchema":` + string(extracted.Result) + `,"includeComments":true,"outputPath":"` + filepath.ToSlash(out) + `"}`
	w = do(t, h, http.MethodPost, "/migration/schema/generate-prisma", body)
	testutil.StatusCode(t, http.StatusOK, w.Code)
	res := decode[prismagen.Result](t, w)
	testutil.Equal(t, 2, res.TablesGenerated)
	testutil.Equal(t, "Users,Posts", strings.Join(res.ModelNames, ","))

	written, err := os.ReadFile(out)
	testutil.NoError(t, err)
	testutil.Equal(t, res.Document, string(written))

	// Regenerating in place keeps a backup of the previous document.
	body = `{"extractedSchema":` + string(extracted.Result) + `,"updateExisting":true,"outputPath":"` + filepath.ToSlash(out) + `"}`
	w = do(t, h, http.MethodPost, "/migration/schema/generate-prisma", body)
	testutil.StatusCode(t, http.StatusOK, w.Code)
	_, err = os.Stat(out + ".bak")
	testutil.NoError(t, err)
}

func TestGeneratePrismaBadRequests(t *testing.T) {
	t.Parallel()
	h := newTestServer(Deps{}).Router()

	w := do(t, h, http.MethodPost, "/migration/schema/generate-prisma", `{"outputPath":"x.prisma"}`)
	testutil.StatusCode(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/migration/schema/generate-prisma", `{"extractedSchema":{"tables":[]},"updateExisting":true}`)
	testutil.StatusCode(t, http.StatusBadRequest, w.Code)
}

func TestValidatePrisma(t *testing.T) {
	t.Parallel()
	h := newTestServer(Deps{}).Router()
	tests := []struct {
		name   string
		doc    string
		status int
		valid  bool
	}{
		{name: "valid", doc: "datasource db {\n  provider = \"postgresql\"\n  url = env(\"DATABASE_URL\")\n}\n\nmodel Users {\n  id String @id\n}\n", status: http.StatusOK, valid: true},
		{name: "unbalanced", doc: "model Users {\n  id String @id\n", status: http.StatusOK, valid: false},
		{name: "empty", doc: "  ", status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			body, _ := json.Marshal(map[string]string{"schemaContent": tt.doc})
			w := do(t, h, http.MethodPost, "/migration/schema/validate-prisma", string(body))
			testutil.StatusCode(t, tt.status, w.Code)
			if tt.status != http.StatusOK {
				return
			}
			report := decode[prismagen.ValidationReport](t, w)
			testutil.Equal(t, tt.valid, report.IsValid)
		})
	}
}
