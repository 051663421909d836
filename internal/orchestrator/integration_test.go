//go:build integration

package orchestrator

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lexledger/lexmigrate/internal/identity"
	"github.com/lexledger/lexmigrate/internal/testutil"
	"github.com/lexledger/lexmigrate/internal/txretry"
)

var sharedPG *testutil.PGContainer

func TestMain(m *testing.M) {
	ctx := context.Background()
	pg, cleanup := testutil.StartPostgresForTestMain(ctx)
	sharedPG = pg
	code := m.Run()
	cleanup()
	os.Exit(code)
}

func resetDB(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := sharedPG.Pool.Exec(ctx, `
		DROP TABLE IF EXISTS _migration_state, _migration_checkpoints, _migration_backups, _migration_progress CASCADE;
		DROP TABLE IF EXISTS mig_user_roles, mig_user_profiles, mig_users CASCADE;
		DROP TABLE IF EXISTS cases, clients CASCADE;`)
	testutil.NoError(t, err)
	testutil.NoError(t, identity.NewPGStore(sharedPG.Pool, txretry.DefaultPolicy()).Migrate(ctx))
	testutil.NoError(t, NewPGStore(sharedPG.Pool).Migrate(ctx))
}

func TestPGStoreRoundTrip(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	s := NewPGStore(sharedPG.Pool)
	testutil.NoError(t, s.Migrate(ctx))

	st, err := s.State(ctx)
	testutil.NoError(t, err)
	testutil.Equal(t, PhaseInitial, st.Phase)
	testutil.NoError(t, s.SetPhase(ctx, PhaseSchemaExtracted))

	backupID := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)
	testutil.NoError(t, s.InsertBackup(ctx, &Backup{
		ID: backupID, Kind: BackupCheckpoint, Phase: PhaseSchemaExtracted,
		Tables: []BackupTable{{Name: "mig_users", Rows: 3}}, SizeBytes: 128,
		Checksum: "abc", Location: backupKey(backupID), Status: BackupCompleted, CreatedAt: now,
	}))
	cp := &Checkpoint{
		ID: uuid.NewString(), Name: "schema", Phase: PhaseSchemaExtracted, BackupID: backupID,
		Validation: ValidationResults{Valid: true, Fingerprint: "f00"}, CreatedAt: now,
	}
	testutil.NoError(t, s.InsertCheckpoint(ctx, cp))
	testutil.ErrorContains(t, s.InsertCheckpoint(ctx, cp), "already exists")

	got, err := s.GetCheckpoint(ctx, cp.ID)
	testutil.NoError(t, err)
	testutil.Equal(t, backupID, got.BackupID)
	testutil.Equal(t, "f00", got.Validation.Fingerprint)

	b, err := s.GetBackup(ctx, backupID)
	testutil.NoError(t, err)
	testutil.Equal(t, int64(3), b.RowCount())

	testutil.NoError(t, s.RecordBatch(ctx, "run", identity.BatchCheckpoint{Batch: 1, Processed: 3, Succeeded: 3}))
	progress, err := s.ListProgress(ctx, "run")
	testutil.NoError(t, err)
	testutil.SliceLen(t, progress, 1)

	testutil.NoError(t, s.DeleteBackup(ctx, backupID))
	_, err = s.GetBackup(ctx, backupID)
	testutil.ErrorContains(t, err, "not found")
}

func TestPGSnapshotRestore(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	_, err := sharedPG.Pool.Exec(ctx, `
		INSERT INTO mig_users (id, email, password_hash) VALUES
			('11111111-1111-1111-1111-111111111111', 'a@firm.fr', 'x'),
			('22222222-2222-2222-2222-222222222222', 'b@firm.fr', 'y');
		INSERT INTO mig_user_profiles (user_id, full_name, data) VALUES
			('11111111-1111-1111-1111-111111111111', 'Maître A', '{"bar":"Paris"}');
		INSERT INTO mig_user_roles (user_id, role) VALUES
			('11111111-1111-1111-1111-111111111111', 'admin'),
			('22222222-2222-2222-2222-222222222222', 'avocat');`)
	testutil.NoError(t, err)

	snap := NewPGSnapshotter(sharedPG.Pool, nil, txretry.DefaultPolicy())
	var buf bytes.Buffer
	manifest, err := snap.Snapshot(ctx, &buf)
	testutil.NoError(t, err)
	testutil.SliceLen(t, manifest, 3)
	testutil.Equal(t, int64(2), manifest[0].Rows)

	_, err = sharedPG.Pool.Exec(ctx, `DELETE FROM mig_users WHERE email = 'b@firm.fr'`)
	testutil.NoError(t, err)

	tables, rows, err := snap.Restore(ctx, bytes.NewReader(buf.Bytes()))
	testutil.NoError(t, err)
	testutil.Equal(t, 3, tables)
	testutil.Equal(t, int64(5), rows)

	var users, roles int
	var bar string
	testutil.NoError(t, sharedPG.Pool.QueryRow(ctx, `SELECT count(*) FROM mig_users`).Scan(&users))
	testutil.NoError(t, sharedPG.Pool.QueryRow(ctx, `SELECT count(*) FROM mig_user_roles`).Scan(&roles))
	testutil.NoError(t, sharedPG.Pool.QueryRow(ctx, `SELECT data->>'bar' FROM mig_user_profiles`).Scan(&bar))
	testutil.Equal(t, 2, users)
	testutil.Equal(t, 2, roles)
	testutil.Equal(t, "Paris", bar)
}

func TestPGRestoreLeavesDomainTablesAlone(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	_, err := sharedPG.Pool.Exec(ctx, `
		INSERT INTO mig_users (id, email, password_hash) VALUES
			('11111111-1111-1111-1111-111111111111', 'a@firm.fr', 'x');
		INSERT INTO mig_user_roles (user_id, role) VALUES
			('11111111-1111-1111-1111-111111111111', 'avocat');
		CREATE TABLE cases (
			id int PRIMARY KEY,
			owner uuid REFERENCES mig_users (id) ON DELETE CASCADE
		);`)
	testutil.NoError(t, err)

	snap := NewPGSnapshotter(sharedPG.Pool, nil, txretry.DefaultPolicy())
	var buf bytes.Buffer
	_, err = snap.Snapshot(ctx, &buf)
	testutil.NoError(t, err)

	_, err = sharedPG.Pool.Exec(ctx, `INSERT INTO cases VALUES (1, '11111111-1111-1111-1111-111111111111')`)
	testutil.NoError(t, err)

	_, _, err = snap.Restore(ctx, bytes.NewReader(buf.Bytes()))
	testutil.ErrorIs(t, err, ErrRestoreBlocked)
	testutil.ErrorContains(t, err, "cases")

	var cases, users int
	testutil.NoError(t, sharedPG.Pool.QueryRow(ctx, `SELECT count(*) FROM cases`).Scan(&cases))
	testutil.NoError(t, sharedPG.Pool.QueryRow(ctx, `SELECT count(*) FROM mig_users`).Scan(&users))
	testutil.Equal(t, 1, cases)
	testutil.Equal(t, 1, users)

	// Rows with no owner do not block, and survive the restore.
	_, err = sharedPG.Pool.Exec(ctx, `UPDATE cases SET owner = NULL; INSERT INTO cases VALUES (2, NULL)`)
	testutil.NoError(t, err)
	tables, rows, err := snap.Restore(ctx, bytes.NewReader(buf.Bytes()))
	testutil.NoError(t, err)
	testutil.Equal(t, 3, tables)
	testutil.Equal(t, int64(2), rows)
	testutil.NoError(t, sharedPG.Pool.QueryRow(ctx, `SELECT count(*) FROM cases`).Scan(&cases))
	testutil.Equal(t, 2, cases)
}

func TestPGSamplerFindsOrphans(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	_, err := sharedPG.Pool.Exec(ctx, `
		CREATE TABLE clients (id int PRIMARY KEY);
		CREATE TABLE cases (id int PRIMARY KEY, client_id int);
		INSERT INTO clients VALUES (1);
		INSERT INTO cases VALUES (1, 1), (2, 99), (3, NULL);
		ALTER TABLE cases ADD CONSTRAINT cases_client_fk FOREIGN KEY (client_id) REFERENCES clients (id) NOT VALID;`)
	testutil.NoError(t, err)

	res, err := NewPGSampler(sharedPG.Pool).Sample(ctx, "cases", 10)
	testutil.NoError(t, err)
	testutil.Equal(t, 3, res.Rows)
	testutil.SliceLen(t, res.Orphans, 1)
	testutil.Contains(t, res.Orphans[0], "cases.client_id: 1 sampled rows reference missing clients.id")

	clean, err := NewPGSampler(sharedPG.Pool).Sample(ctx, "public.clients", 10)
	testutil.NoError(t, err)
	testutil.SliceLen(t, clean.Orphans, 0)
}
