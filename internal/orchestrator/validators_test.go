package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lexledger/lexmigrate/internal/blobstore"
	"github.com/lexledger/lexmigrate/internal/extract"
	"github.com/lexledger/lexmigrate/internal/testutil"
)

const usersPostsSQL = `
CREATE TABLE users (id uuid PRIMARY KEY, email text NOT NULL);
CREATE TABLE posts (id uuid PRIMARY KEY, user_id uuid REFERENCES users(id));
`

func schemaValidator(t *testing.T, files map[string]string) (*SchemaValidator, string) {
	t.Helper()
	dir := testutil.WriteFiles(t, t.TempDir(), files)
	return &SchemaValidator{
		Extractor:     extract.New(testutil.DiscardLogger(), nil, nil),
		MigrationPath: dir,
		Options:       extract.ValidateOptions{EssentialTables: []string{"users"}},
	}, dir
}

func TestSchemaValidator(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	v, dir := schemaValidator(t, map[string]string{"001_init.sql": usersPostsSQL})

	res, err := v.Validate(ctx, nil)
	testutil.NoError(t, err)
	testutil.True(t, res.Valid, "checks: %v", res.Checks)
	testutil.NotEqual(t, "", res.Fingerprint)

	prev := &Checkpoint{Name: "schema", Validation: res}
	again, err := v.Validate(ctx, prev)
	testutil.NoError(t, err)
	testutil.True(t, again.Valid)
	testutil.Equal(t, res.Fingerprint, again.Fingerprint)

	testutil.WriteFiles(t, dir, map[string]string{"002_more.sql": "CREATE TABLE tags (id int PRIMARY KEY);"})
	drifted, err := v.Validate(ctx, prev)
	testutil.NoError(t, err)
	testutil.False(t, drifted.Valid)
	testutil.Equal(t, "fingerprint: schema changed since checkpoint schema", firstFailure(drifted))
}

func TestSchemaValidatorBrokenReference(t *testing.T) {
	t.Parallel()
	v, _ := schemaValidator(t, map[string]string{
		"001.sql": "CREATE TABLE users (id uuid PRIMARY KEY);\nCREATE TABLE posts (id uuid PRIMARY KEY, author_id uuid REFERENCES authors(id));",
	})
	res, err := v.Validate(context.Background(), nil)
	testutil.NoError(t, err)
	testutil.False(t, res.Valid)
	testutil.Contains(t, firstFailure(res), "schema")
}

func TestSchemaValidatorMissingPath(t *testing.T) {
	t.Parallel()
	v := &SchemaValidator{
		Extractor:     extract.New(testutil.DiscardLogger(), nil, nil),
		MigrationPath: filepath.Join(t.TempDir(), "absent"),
	}
	res, err := v.Validate(context.Background(), nil)
	testutil.NoError(t, err)
	testutil.False(t, res.Valid)
	testutil.Equal(t, "extraction", res.Checks[0].Name)
}

type fakeSampler map[string]SampleResult

func (f fakeSampler) Sample(_ context.Context, table string, _ int) (SampleResult, error) {
	res, ok := f[table]
	if !ok {
		return SampleResult{}, errors.New("relation does not exist")
	}
	return res, nil
}

func TestDataValidator(t *testing.T) {
	t.Parallel()
	sampler := fakeSampler{
		"cases":   {Rows: 100, Latency: 20 * time.Millisecond},
		"clients": {Rows: 40, Orphans: []string{"clients.firm_id: 2 sampled rows reference missing firms.id"}, Latency: 5 * time.Millisecond},
		"rentals": {Rows: 0, Latency: 900 * time.Millisecond},
	}
	tests := []struct {
		name            string
		tables          []string
		skipIntegrity   bool
		skipPerformance bool
		valid           bool
		failed          string
	}{
		{"clean table", []string{"cases"}, false, false, true, ""},
		{"orphans", []string{"cases", "clients"}, false, false, false, "integrity:clients"},
		{"orphans skipped", []string{"clients"}, true, false, true, ""},
		{"slow", []string{"rentals"}, false, false, false, "performance:rentals"},
		{"slow skipped", []string{"rentals"}, false, true, true, ""},
		{"missing table", []string{"ghosts"}, false, false, false, "sample:ghosts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := &DataValidator{
				Sampler:         sampler,
				Tables:          tt.tables,
				SampleSize:      100,
				SkipIntegrity:   tt.skipIntegrity,
				SkipPerformance: tt.skipPerformance,
				MaxLatency:      500 * time.Millisecond,
			}
			res, err := v.Validate(context.Background(), nil)
			testutil.NoError(t, err)
			testutil.Equal(t, tt.valid, res.Valid)
			if tt.failed != "" {
				testutil.Contains(t, firstFailure(res), tt.failed)
			}
		})
	}
}

func TestDataValidatorWarnsOnEmptyTable(t *testing.T) {
	t.Parallel()
	v := &DataValidator{Sampler: fakeSampler{"rentals": {}}, Tables: []string{"rentals"}}
	res, err := v.Validate(context.Background(), nil)
	testutil.NoError(t, err)
	testutil.True(t, res.Valid)
	testutil.SliceContains(t, res.Warnings, "table rentals is empty")

	res, err = (&DataValidator{}).Validate(context.Background(), nil)
	testutil.NoError(t, err)
	testutil.SliceContains(t, res.Warnings, "no data tables configured")
}

type counter struct {
	n   int
	err error
}

func (c counter) CountUsers(context.Context) (int, error) { return c.n, c.err }

func TestUsersValidator(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		legacy counter
		target counter
		valid  bool
		err    string
	}{
		{"all migrated", counter{n: 47}, counter{n: 47}, true, ""},
		{"extra target accounts", counter{n: 3}, counter{n: 5}, true, ""},
		{"missing accounts", counter{n: 47}, counter{n: 45}, false, ""},
		{"legacy down", counter{err: errors.New("refused")}, counter{}, false, "counting legacy accounts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := (&UsersValidator{Legacy: tt.legacy, Target: tt.target}).Validate(context.Background(), nil)
			if tt.err != "" {
				testutil.ErrorContains(t, err, tt.err)
				return
			}
			testutil.NoError(t, err)
			testutil.Equal(t, tt.valid, res.Valid)
		})
	}
}

func TestFilesValidator(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	blobs, err := blobstore.NewLocal(root)
	testutil.NoError(t, err)

	res, err := (&FilesValidator{Blobs: blobs}).Validate(context.Background(), nil)
	testutil.NoError(t, err)
	testutil.True(t, res.Valid)

	testutil.NoError(t, os.RemoveAll(root))
	testutil.NoError(t, os.WriteFile(root, []byte("not a dir"), 0o600))
	res, err = (&FilesValidator{Blobs: blobs}).Validate(context.Background(), nil)
	testutil.NoError(t, err)
	testutil.False(t, res.Valid)
}
