package prismagen

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/lexledger/lexmigrate/internal/extract"
	"github.com/lexledger/lexmigrate/internal/metadata"
	"github.com/lexledger/lexmigrate/internal/testutil"
)

func extracted(t *testing.T, sql string) *metadata.ExtractionResult {
	t.Helper()
	dir := testutil.WriteFiles(t, t.TempDir(), map[string]string{"001_init.sql": sql})
	res, err := extract.New(testutil.DiscardLogger(), nil, nil).Extract(t.Context(), extract.Options{MigrationPath: dir})
	testutil.NoError(t, err)
	return res
}

var spaces = regexp.MustCompile(` +`)

// norm collapses alignment padding so assertions do not depend on column widths.
func norm(doc string) string {
	return spaces.ReplaceAllString(doc, " ")
}

func generate(t *testing.T, sql string, opts Options) *Result {
	t.Helper()
	res, err := Generate(extracted(t, sql), opts)
	testutil.NoError(t, err)
	return res
}

const usersPosts = `
CREATE TABLE users (
  id uuid PRIMARY KEY,
  email text UNIQUE NOT NULL
);
CREATE TABLE posts (
  id uuid PRIMARY KEY,
  user_id uuid REFERENCES users(id) ON DELETE CASCADE
);`

func TestGenerateUsersPosts(t *testing.T) {
	t.Parallel()
	res := generate(t, usersPosts, Options{})
	doc := norm(res.Document)

	testutil.Equal(t, 2, res.TablesGenerated)
	testutil.Equal(t, "Users,Posts", strings.Join(res.ModelNames, ","))
	testutil.SliceLen(t, res.Warnings, 0)
	testutil.True(t, strings.Index(doc, "model Users {") < strings.Index(doc, "model Posts {"), "users precedes posts")

	testutil.Contains(t, doc, " id String @id @db.Uuid\n")
	testutil.Contains(t, doc, " email String @unique\n")
	testutil.Contains(t, doc, " user_id String? @db.Uuid\n")
	testutil.Contains(t, doc, " user Users? @relation(fields: [user_id], references: [id], onDelete: Cascade)\n")
	testutil.Contains(t, doc, " posts Posts[]\n")
	testutil.Contains(t, doc, `@@map("users")`)
	testutil.Contains(t, doc, `provider = "postgresql"`)
	testutil.Contains(t, doc, `url = env("DATABASE_URL")`)

	report := ValidateDocument(res.Document)
	testutil.True(t, report.IsValid, "%v", report.Errors)
	testutil.Equal(t, 2, report.Models)
}

func TestGenerateIsDeterministic(t *testing.T) {
	t.Parallel()
	result := extracted(t, usersPosts)
	a, err := Generate(result, Options{IncludeComments: true})
	testutil.NoError(t, err)
	b, err := Generate(result, Options{IncludeComments: true})
	testutil.NoError(t, err)
	testutil.Equal(t, a.Document, b.Document)
}

func TestGenerateEnumsAndDefaults(t *testing.T) {
	t.Parallel()
	res := generate(t, `
CREATE TYPE app_role AS ENUM ('admin', 'avocat', 'in-progress');
CREATE TABLE user_roles (
  id bigserial PRIMARY KEY,
  role app_role NOT NULL DEFAULT 'avocat'::app_role,
  token uuid DEFAULT extensions.uuid_generate_v4(),
  created_at timestamptz DEFAULT timezone('utc'::text, now()) NOT NULL,
  active boolean DEFAULT true,
  score numeric(10, 2) DEFAULT 0,
  label varchar(40) DEFAULT 'it''s'::character varying,
  tags text[] DEFAULT '{}'::text[],
  odd text DEFAULT md5(random()::text)
);`, Options{})
	doc := norm(res.Document)

	testutil.True(t, strings.Index(doc, "enum AppRole {") < strings.Index(doc, "model UserRoles {"), "enums first")
	testutil.Contains(t, doc, " in_progress @map(\"in-progress\")\n")
	testutil.Contains(t, doc, "@@map(\"app_role\")")
	testutil.Contains(t, doc, " id BigInt @id @default(autoincrement())\n")
	testutil.Contains(t, doc, " role AppRole @default(avocat)\n")
	testutil.Contains(t, doc, " token String? @default(uuid()) @db.Uuid\n")
	testutil.Contains(t, doc, " created_at DateTime @default(now()) @db.Timestamptz(6)\n")
	testutil.Contains(t, doc, " active Boolean? @default(true)\n")
	testutil.Contains(t, doc, " score Decimal? @default(0) @db.Decimal(10, 2)\n")
	testutil.Contains(t, doc, ` label String? @default("it's") @db.VarChar(40)`+"\n")
	testutil.Contains(t, doc, " tags String[] @default([])\n")
	testutil.Contains(t, doc, " odd String?\n")

	testutil.SliceLen(t, res.Warnings, 1)
	testutil.Contains(t, res.Warnings[0], "user_roles.odd")
}

func TestGenerateUnknownTypeWarns(t *testing.T) {
	t.Parallel()
	res := generate(t, `CREATE TABLE places (id int PRIMARY KEY, geom geography(Point, 4326));`, Options{})
	testutil.Contains(t, norm(res.Document), " geom String?\n")
	testutil.SliceLen(t, res.Warnings, 1)
	testutil.Contains(t, res.Warnings[0], "unknown type")
}

func TestGenerateCircularDependency(t *testing.T) {
	t.Parallel()
	res := generate(t, `
CREATE TABLE a (id int PRIMARY KEY, b_id int);
CREATE TABLE b (id int PRIMARY KEY, a_id int REFERENCES a(id));
ALTER TABLE a ADD CONSTRAINT a_b_id_fkey FOREIGN KEY (b_id) REFERENCES b(id);`, Options{})

	testutil.SliceLen(t, res.Warnings, 1)
	testutil.Contains(t, res.Warnings[0], "circular dependency")
	doc := norm(res.Document)
	testutil.Contains(t, doc, ` b B? @relation("a_b_id_fkey", fields: [b_id], references: [id])`)
	testutil.Contains(t, doc, ` a A[] @relation("a_b_id_fkey")`)
	testutil.True(t, ValidateDocument(res.Document).IsValid)
}

func TestGenerateExternalReferenceKeepsScalar(t *testing.T) {
	t.Parallel()
	res := generate(t, `CREATE TABLE profiles (id uuid PRIMARY KEY REFERENCES auth.users(id) ON DELETE CASCADE, full_name text);`, Options{})
	doc := norm(res.Document)

	testutil.Contains(t, doc, " id String @id @db.Uuid\n")
	testutil.NotContains(t, doc, "@relation")
	testutil.SliceLen(t, res.Warnings, 1)
	testutil.Contains(t, res.Warnings[0], "auth.users")
}

func TestGenerateOneToOneAndSelfRelation(t *testing.T) {
	t.Parallel()
	res := generate(t, `
CREATE TABLE clients (id uuid PRIMARY KEY);
CREATE TABLE advisory_clients (
  id uuid PRIMARY KEY,
  client_id uuid NOT NULL UNIQUE REFERENCES clients(id)
);
CREATE TABLE cases (
  id uuid PRIMARY KEY,
  parent_id uuid REFERENCES cases(id)
);`, Options{})
	doc := norm(res.Document)

	testutil.Contains(t, doc, " client Clients @relation(fields: [client_id], references: [id])\n")
	testutil.Contains(t, doc, " advisory_clients AdvisoryClients?\n")
	testutil.Contains(t, doc, ` parent Cases? @relation("cases_parent_id_fkey", fields: [parent_id], references: [id])`)
	testutil.Contains(t, doc, ` cases Cases[] @relation("cases_parent_id_fkey")`)

	report := ValidateDocument(res.Document)
	testutil.True(t, report.IsValid, "%v", report.Errors)
}

func TestGenerateCompositeKeysAndIndexes(t *testing.T) {
	t.Parallel()
	res := generate(t, `
CREATE TABLE rentals (
  org_id int,
  unit text,
  starts_on date,
  notes jsonb,
  PRIMARY KEY (org_id, unit),
  UNIQUE (unit, starts_on)
);
CREATE INDEX rentals_starts_idx ON rentals (starts_on);
CREATE INDEX rentals_notes_idx ON rentals USING gin (notes);
CREATE INDEX rentals_lower_idx ON rentals (lower(unit));
CREATE TABLE audit (message text);`, Options{})
	doc := norm(res.Document)

	testutil.Contains(t, doc, " org_id Int\n")
	testutil.Contains(t, doc, " starts_on DateTime? @db.Date\n")
	testutil.Contains(t, doc, "@@id([org_id, unit])")
	testutil.Contains(t, doc, "@@unique([unit, starts_on])")
	testutil.Contains(t, doc, "@@index([starts_on])")
	testutil.Contains(t, doc, "@@index([notes], type: Gin)")
	testutil.Contains(t, doc, "@@ignore")

	testutil.SliceLen(t, res.Warnings, 2)
	testutil.Contains(t, res.Warnings[0], "audit has no primary key")
	testutil.Contains(t, res.Warnings[1], "rentals_lower_idx")
}

func TestGenerateSupabaseMetadataAndComments(t *testing.T) {
	t.Parallel()
	res := generate(t, `
CREATE TABLE cases (id uuid PRIMARY KEY, owner uuid);
ALTER TABLE cases ENABLE ROW LEVEL SECURITY;
CREATE POLICY "owners read" ON cases FOR SELECT TO authenticated USING (owner = auth.uid());
CREATE FUNCTION touch() RETURNS trigger LANGUAGE plpgsql AS $$ BEGIN RETURN NEW; END $$;
CREATE TRIGGER cases_touch BEFORE UPDATE ON cases FOR EACH ROW EXECUTE FUNCTION touch();`,
		Options{IncludeComments: true, PreserveSupabaseMetadata: true, DatasourceEnv: "TARGET_URL"})
	doc := res.Document

	testutil.Contains(t, doc, "// Generated by lexmigrate from 1 tables and 0 enums.")
	testutil.Contains(t, doc, "/// Source table: public.cases")
	testutil.Contains(t, doc, "/// @supabase rls enabled")
	testutil.Contains(t, doc, `/// @supabase policy "owners read" for SELECT to authenticated using (owner = auth.uid())`)
	testutil.Contains(t, doc, "/// @supabase trigger cases_touch BEFORE UPDATE execute touch")
	testutil.Contains(t, doc, "// @supabase function touch() returns trigger language plpgsql")
	testutil.Contains(t, doc, `env("TARGET_URL")`)
	testutil.True(t, ValidateDocument(doc).IsValid)
}

func TestGenerateWritesOutput(t *testing.T) {
	t.Parallel()
	out := filepath.Join(t.TempDir(), "prisma", "schema.prisma")
	res, err := Generate(extracted(t, usersPosts), Options{OutputPath: out})
	testutil.NoError(t, err)
	data, err := os.ReadFile(out)
	testutil.NoError(t, err)
	testutil.Equal(t, res.Document, string(data))
}

func TestDeriveFieldName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		columns  []string
		refTable string
		want     string
	}{
		{name: "strips _id", columns: []string{"author_id"}, refTable: "users", want: "author"},
		{name: "no suffix uses table", columns: []string{"creator"}, refTable: "users", want: "users"},
		{name: "composite uses table", columns: []string{"org_id", "team_id"}, refTable: "teams", want: "teams"},
		{name: "bare _id uses table", columns: []string{"_id"}, refTable: "users", want: "users"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			testutil.Equal(t, tt.want, deriveFieldName(tt.columns, tt.refTable))
		})
	}
}

func TestNames(t *testing.T) {
	t.Parallel()
	testutil.Equal(t, "RecoveryFiles", pascal("recovery_files"))
	testutil.Equal(t, "T2fa", pascal("2fa"))
	testutil.Equal(t, "UserRoles", pascal("user-roles"))

	id, changed := identifier("in progress")
	testutil.Equal(t, "in_progress", id)
	testutil.True(t, changed)
	id, changed = identifier("email")
	testutil.Equal(t, "email", id)
	testutil.False(t, changed)
	id, _ = identifier("1st")
	testutil.Equal(t, "f_1st", id)

	set := nameSet{}
	testutil.Equal(t, "user", set.claim("user"))
	testutil.Equal(t, "user2", set.claim("user"))
}
