package prismagen

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lexledger/lexmigrate/internal/testutil"
)

func TestValidateDocument(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		doc       string
		valid     bool
		errSubstr string
	}{
		{
			name: "valid",
			doc: `datasource db {
  provider = "postgresql"
  url      = env("DATABASE_URL")
}

model User {
  id    Int    @id
  posts Post[]
}

model Post {
  id      Int  @id
  user_id Int
  user    User @relation(fields: [user_id], references: [id])
}`,
			valid: true,
		},
		{
			name:      "unbalanced braces",
			doc:       "model User {\n  id Int @id\n",
			errSubstr: "unclosed brace",
		},
		{
			name:      "extra closing brace",
			doc:       "model User {\n  id Int @id\n}\n}\n",
			errSubstr: "unbalanced closing brace",
		},
		{
			name:      "duplicate names",
			doc:       "model Role {\n  id Int @id\n}\nenum Role {\n  admin\n}\n",
			errSubstr: "duplicate name Role",
		},
		{
			name: "missing inverse",
			doc: `model User {
  id Int @id
}
model Post {
  id      Int  @id
  user_id Int
  user    User @relation(fields: [user_id], references: [id])
}`,
			errSubstr: "Post.user has no inverse field on User",
		},
		{
			name:      "unknown target",
			doc:       "model Post {\n  id Int @id\n  user Ghost @relation(fields: [id], references: [id])\n}\n",
			errSubstr: "unknown model Ghost",
		},
		{
			name:  "braces in strings and comments",
			doc:   "// {\nmodel A {\n  id String @id @default(\"}\") // }\n}\n",
			valid: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			report := ValidateDocument(tt.doc)
			testutil.Equal(t, tt.valid, report.IsValid)
			if tt.errSubstr != "" {
				testutil.SliceLen(t, report.Errors, 1)
				testutil.Contains(t, report.Errors[0], tt.errSubstr)
			}
		})
	}
}

func TestValidateDocumentCounts(t *testing.T) {
	t.Parallel()
	report := ValidateDocument("enum A {\n  x\n}\nmodel B {\n  id Int @id\n}\n")
	testutil.Equal(t, 1, report.Enums)
	testutil.Equal(t, 1, report.Models)
	testutil.SliceLen(t, report.Warnings, 1)
	testutil.Contains(t, report.Warnings[0], "no datasource")
}

func TestUpdateExisting(t *testing.T) {
	t.Parallel()
	result := extracted(t, usersPosts)
	path := filepath.Join(t.TempDir(), "schema.prisma")
	previous := "model Legacy {\n  id Int @id\n}\n// @custom-start\nmodel Extra {\n  id Int @id\n}\n// @custom-end\n"
	testutil.NoError(t, os.WriteFile(path, []byte(previous), 0o644))

	res, err := UpdateExisting(result, path, Options{})
	testutil.NoError(t, err)
	testutil.SliceLen(t, res.Warnings, 1)
	testutil.Contains(t, res.Warnings[0], "1 manual section(s)")

	backup, err := os.ReadFile(path + ".bak")
	testutil.NoError(t, err)
	testutil.Equal(t, previous, string(backup))

	current, err := os.ReadFile(path)
	testutil.NoError(t, err)
	testutil.Equal(t, res.Document, string(current))
	testutil.NotContains(t, string(current), "model Extra")
}

func TestUpdateExistingMissingFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "schema.prisma")
	res, err := UpdateExisting(extracted(t, usersPosts), path, Options{})
	testutil.NoError(t, err)
	testutil.SliceLen(t, res.Warnings, 0)

	_, err = os.Stat(path + ".bak")
	testutil.True(t, os.IsNotExist(err))
	_, err = os.Stat(path)
	testutil.NoError(t, err)
}

func TestCountCustomSections(t *testing.T) {
	t.Parallel()
	testutil.Equal(t, 0, countCustomSections("model A {}\n"))
	testutil.Equal(t, 2, countCustomSections("// @custom-start\n// @custom-end\n  // @custom-start\nx\n  // @custom-end\n"))
	testutil.Equal(t, 0, countCustomSections("// @custom-start\nunterminated\n"))
}
