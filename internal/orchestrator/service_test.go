package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lexledger/lexmigrate/internal/auditlog"
	"github.com/lexledger/lexmigrate/internal/blobstore"
	"github.com/lexledger/lexmigrate/internal/testutil"
)

// memSnapshotter keeps "tables" in memory and speaks the real payload format.
type memSnapshotter struct {
	mu     sync.Mutex
	order  []string
	tables map[string][]json.RawMessage
}

func newMemSnapshotter() *memSnapshotter {
	return &memSnapshotter{
		order:  []string{"mig_users", "mig_user_roles"},
		tables: make(map[string][]json.RawMessage),
	}
}

func (m *memSnapshotter) set(table string, rows ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[table] = nil
	for _, r := range rows {
		m.tables[table] = append(m.tables[table], json.RawMessage(r))
	}
}

func (m *memSnapshotter) rows(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[table])
}

func (m *memSnapshotter) Snapshot(_ context.Context, w io.Writer) ([]BackupTable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var manifest []BackupTable
	for _, name := range m.order {
		manifest = append(manifest, BackupTable{Name: name, Rows: int64(len(m.tables[name]))})
	}
	pw, err := newPayloadWriter(w, manifest, time.Unix(0, 0))
	if err != nil {
		return nil, err
	}
	for _, name := range m.order {
		for _, row := range m.tables[name] {
			if err := pw.writeRow(name, row); err != nil {
				return nil, err
			}
		}
	}
	return manifest, pw.Close()
}

func (m *memSnapshotter) Restore(_ context.Context, r io.Reader) (int, int64, error) {
	p, err := readPayload(r)
	if err != nil {
		return 0, 0, err
	}
	if issues := p.mismatches(); len(issues) > 0 {
		return 0, 0, fmt.Errorf("%w: %s", ErrIntegrityViolation, issues[0])
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, t := range p.header.Tables {
		m.tables[t.Name] = p.rows[t.Name]
		total += int64(len(p.rows[t.Name]))
	}
	return len(p.header.Tables), total, nil
}

// tick is a clock that moves one second per reading.
type tick struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tick) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type harness struct {
	svc   *Service
	store *SQLiteStore
	snap  *memSnapshotter
	audit *auditlog.Memory
	root  string
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store, err := OpenSQLite(":memory:")
	testutil.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	clock := &tick{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store.now = clock.now
	testutil.NoError(t, store.Migrate(context.Background()))

	root := t.TempDir()
	blobs, err := blobstore.NewLocal(root)
	testutil.NoError(t, err)

	cfg.TempDir = t.TempDir()
	snap := newMemSnapshotter()
	audit := &auditlog.Memory{}
	svc := NewService(store, blobs, snap, testutil.DiscardLogger(), audit, cfg)
	svc.now = clock.now
	return &harness{svc: svc, store: store, snap: snap, audit: audit, root: root}
}

func (h *harness) payloadPath(b *Backup) string {
	return filepath.Join(h.root, filepath.FromSlash(b.Location))
}

func failing(msg string) Validator {
	return ValidatorFunc(func(context.Context, *Checkpoint) (ValidationResults, error) {
		res := ValidationResults{}
		res.add("check", false, msg)
		return res, nil
	})
}

func TestCreateCheckpointRecordsValidationAndBackup(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.snap.set("mig_users", `{"id":1}`, `{"id":2}`)

	cp, err := h.svc.CreateCheckpoint(ctx, "after schema", PhaseSchemaExtracted, "first pass")
	testutil.NoError(t, err)
	testutil.Equal(t, PhaseSchemaExtracted, cp.Phase)
	testutil.True(t, cp.Validation.Valid)
	testutil.SliceLen(t, cp.Validation.Warnings, 1)
	testutil.Contains(t, cp.Validation.Warnings[0], "no validator registered")
	testutil.NotEqual(t, "", cp.BackupID)

	b, err := h.svc.GetBackup(ctx, cp.BackupID)
	testutil.NoError(t, err)
	testutil.Equal(t, BackupCheckpoint, b.Kind)
	testutil.Equal(t, PhaseSchemaExtracted, b.Phase)
	testutil.Equal(t, int64(2), b.RowCount())

	got, err := h.svc.GetCheckpoint(ctx, cp.ID)
	testutil.NoError(t, err)
	testutil.Equal(t, "first pass", got.Description)
	testutil.Equal(t, cp.BackupID, got.BackupID)

	testutil.SliceContains(t, h.audit.Operations(auditlog.LevelInfo), "checkpoint.create")
}

func TestCreateCheckpointKeepsFailingValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.svc.RegisterValidator(PhaseDataMigrated, failing("orphans found"))

	cp, err := h.svc.CreateCheckpoint(context.Background(), "", PhaseDataMigrated, "")
	testutil.NoError(t, err)
	testutil.False(t, cp.Validation.Valid)
	testutil.Equal(t, "", cp.BackupID)
	testutil.Contains(t, cp.Name, "data_migrated-")
}

func TestCreateCheckpointRejectsUnknownPhase(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	_, err := h.svc.CreateCheckpoint(context.Background(), "x", Phase("bogus"), "")
	testutil.True(t, errors.Is(err, ErrInvalidPhase))
}

func TestValidatorErrorFailsValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.svc.RegisterValidator(PhaseUsersMigrated, ValidatorFunc(func(context.Context, *Checkpoint) (ValidationResults, error) {
		return ValidationResults{Valid: true}, errors.New("legacy database unreachable")
	}))
	cp, err := h.svc.CreateCheckpoint(context.Background(), "u", PhaseUsersMigrated, "")
	testutil.NoError(t, err)
	testutil.False(t, cp.Validation.Valid)
	testutil.Equal(t, "legacy database unreachable", cp.Validation.Checks[len(cp.Validation.Checks)-1].Message)
}

func TestValidateBeforeProgressionNeedsCheckpoint(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	check, err := h.svc.ValidateCheckpointBeforeProgression(ctx, PhaseSchemaExtracted)
	testutil.NoError(t, err)
	testutil.False(t, check.Valid)
	testutil.Nil(t, check.Checkpoint)

	_, err = h.svc.CreateCheckpoint(ctx, "old", PhaseSchemaExtracted, "")
	testutil.NoError(t, err)
	latest, err := h.svc.CreateCheckpoint(ctx, "new", PhaseSchemaExtracted, "")
	testutil.NoError(t, err)

	check, err = h.svc.ValidateCheckpointBeforeProgression(ctx, PhaseSchemaExtracted)
	testutil.NoError(t, err)
	testutil.True(t, check.Valid)
	testutil.Equal(t, latest.ID, check.Checkpoint.ID)
}

func TestAdvancePhase(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	// initial needs no checkpoint
	st, err := h.svc.AdvancePhase(ctx, PhaseSchemaExtracted)
	testutil.NoError(t, err)
	testutil.Equal(t, PhaseSchemaExtracted, st.Phase)

	_, err = h.svc.AdvancePhase(ctx, PhaseUsersMigrated)
	testutil.True(t, errors.Is(err, ErrInvalidTransition), "skip")
	_, err = h.svc.AdvancePhase(ctx, PhaseInitial)
	testutil.True(t, errors.Is(err, ErrInvalidTransition), "backward")

	_, err = h.svc.AdvancePhase(ctx, PhaseDataMigrated)
	testutil.True(t, errors.Is(err, ErrPhaseValidationFailed), "no checkpoint")
	testutil.ErrorContains(t, err, "no checkpoint recorded")

	h.svc.RegisterValidator(PhaseSchemaExtracted, failing("essential table missing"))
	_, err = h.svc.CreateCheckpoint(ctx, "s", PhaseSchemaExtracted, "")
	testutil.NoError(t, err)
	_, err = h.svc.AdvancePhase(ctx, PhaseDataMigrated)
	testutil.ErrorContains(t, err, "essential table missing")

	h.svc.RegisterValidator(PhaseSchemaExtracted, ValidatorFunc(alwaysValid))
	st, err = h.svc.AdvancePhase(ctx, PhaseDataMigrated)
	testutil.NoError(t, err)
	testutil.Equal(t, PhaseDataMigrated, st.Phase)

	cur, err := h.svc.CurrentPhase(ctx)
	testutil.NoError(t, err)
	testutil.Equal(t, PhaseDataMigrated, cur)
	testutil.SliceContains(t, h.audit.Operations(auditlog.LevelError), "phase.advance")
}

func TestAdvancePastLastPhase(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	testutil.NoError(t, h.store.SetPhase(ctx, PhaseProductionReady))
	_, err := h.svc.AdvancePhase(ctx, PhaseProductionReady)
	testutil.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestCompletionValidator(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	cp, err := h.svc.CreateCheckpoint(ctx, "v", PhaseValidationComplete, "")
	testutil.NoError(t, err)
	testutil.False(t, cp.Validation.Valid)

	h.svc.RegisterValidator(PhaseFilesMigrated, failing("bucket unreachable"))
	for _, p := range []Phase{PhaseSchemaExtracted, PhaseDataMigrated, PhaseUsersMigrated, PhaseFilesMigrated} {
		_, err := h.svc.CreateCheckpoint(ctx, string(p), p, "")
		testutil.NoError(t, err)
	}
	cp, err = h.svc.CreateCheckpoint(ctx, "v2", PhaseValidationComplete, "")
	testutil.NoError(t, err)
	testutil.False(t, cp.Validation.Valid)
	testutil.Contains(t, firstFailure(cp.Validation), "files_migrated")

	h.svc.RegisterValidator(PhaseFilesMigrated, ValidatorFunc(alwaysValid))
	_, err = h.svc.CreateCheckpoint(ctx, "files again", PhaseFilesMigrated, "")
	testutil.NoError(t, err)
	cp, err = h.svc.CreateCheckpoint(ctx, "v3", PhaseValidationComplete, "")
	testutil.NoError(t, err)
	testutil.True(t, cp.Validation.Valid)
}

func TestStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	_, err := h.svc.CreateCheckpoint(ctx, "first", PhaseSchemaExtracted, "")
	testutil.NoError(t, err)
	second, err := h.svc.CreateCheckpoint(ctx, "second", PhaseSchemaExtracted, "")
	testutil.NoError(t, err)

	st, err := h.svc.Status(ctx)
	testutil.NoError(t, err)
	testutil.Equal(t, PhaseInitial, st.Phase)
	testutil.Equal(t, PhaseSchemaExtracted, st.NextPhase)
	testutil.MapLen(t, st.Checkpoints, 1)
	testutil.Equal(t, second.ID, st.Checkpoints[PhaseSchemaExtracted].ID)
	testutil.Equal(t, 2, st.Backups)
}

func TestBackupIntegrityValid(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.snap.set("mig_users", `{"id":1}`)

	res, err := h.svc.CreateCompleteBackup(ctx, "before users")
	testutil.NoError(t, err)
	testutil.Equal(t, BackupManual, res.Backup.Kind)
	testutil.SliceLen(t, res.Warnings, 1)
	testutil.Contains(t, res.Warnings[0], "mig_user_roles is empty")

	report, err := h.svc.ValidateBackupIntegrity(ctx, res.Backup.ID)
	testutil.NoError(t, err)
	testutil.True(t, report.Valid, "issues: %v", report.Issues)
	testutil.Equal(t, report.ExpectedChecksum, report.ActualChecksum)
	testutil.Equal(t, res.Backup.SizeBytes, report.ActualSize)

	backups, err := h.svc.ListBackups(ctx)
	testutil.NoError(t, err)
	testutil.SliceLen(t, backups, 1)
}

func TestTamperedBackupIsRefused(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		damage func(data []byte) []byte
		issue  string
	}{
		{"flipped byte", func(data []byte) []byte {
			out := append([]byte(nil), data...)
			out[len(out)/2] ^= 0xff
			return out
		}, "checksum mismatch"},
		{"truncated", func(data []byte) []byte {
			return data[:len(data)-12]
		}, "does not decode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, DefaultConfig())
			ctx := context.Background()
			h.snap.set("mig_users", `{"id":1}`, `{"id":2}`, `{"id":3}`)

			res, err := h.svc.CreateCompleteBackup(ctx, "")
			testutil.NoError(t, err)
			path := h.payloadPath(res.Backup)
			data, err := os.ReadFile(path)
			testutil.NoError(t, err)
			testutil.NoError(t, os.WriteFile(path, tt.damage(data), 0o600))

			report, err := h.svc.ValidateBackupIntegrity(ctx, res.Backup.ID)
			testutil.NoError(t, err)
			testutil.False(t, report.Valid)
			found := false
			for _, issue := range report.Issues {
				if strings.Contains(issue, tt.issue) {
					found = true
				}
			}
			testutil.True(t, found, "issues: %v", report.Issues)

			h.snap.set("mig_users")
			_, err = h.svc.RollbackToBackup(ctx, res.Backup.ID)
			testutil.True(t, errors.Is(err, ErrIntegrityViolation))
			testutil.Equal(t, 0, h.snap.rows("mig_users"))
			testutil.SliceContains(t, h.audit.Operations(auditlog.LevelError), "rollback")
		})
	}
}

func TestMissingPayloadFailsIntegrity(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	res, err := h.svc.CreateCompleteBackup(ctx, "")
	testutil.NoError(t, err)
	testutil.NoError(t, os.Remove(h.payloadPath(res.Backup)))

	report, err := h.svc.ValidateBackupIntegrity(ctx, res.Backup.ID)
	testutil.NoError(t, err)
	testutil.False(t, report.Valid)
	testutil.Contains(t, report.Issues[0], "missing")
}

func TestRollbackRestoresAndResetsPhase(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	h.snap.set("mig_users", `{"id":1}`, `{"id":2}`)
	h.snap.set("mig_user_roles", `{"role":"admin"}`)
	cp, err := h.svc.CreateCheckpoint(ctx, "users ok", PhaseUsersMigrated, "")
	testutil.NoError(t, err)

	testutil.NoError(t, h.store.SetPhase(ctx, PhaseFilesMigrated))
	h.snap.set("mig_users", `{"id":1}`)
	h.snap.set("mig_user_roles")

	res, err := h.svc.RollbackToCheckpoint(ctx, cp.ID)
	testutil.NoError(t, err)
	testutil.Equal(t, cp.BackupID, res.BackupID)
	testutil.Equal(t, PhaseUsersMigrated, res.Phase)
	testutil.Equal(t, 2, res.TablesRestored)
	testutil.Equal(t, int64(3), res.RowsRestored)
	testutil.NotEqual(t, "", res.SafetyBackupID)
	testutil.Equal(t, 2, h.snap.rows("mig_users"))
	testutil.Equal(t, 1, h.snap.rows("mig_user_roles"))

	safety, err := h.svc.GetBackup(ctx, res.SafetyBackupID)
	testutil.NoError(t, err)
	testutil.Equal(t, BackupSafety, safety.Kind)
	testutil.Equal(t, PhaseFilesMigrated, safety.Phase)
	testutil.Equal(t, int64(1), safety.RowCount())

	cur, err := h.svc.CurrentPhase(ctx)
	testutil.NoError(t, err)
	testutil.Equal(t, PhaseUsersMigrated, cur)

	// Repeating the rollback restores the same data without another safety backup.
	again, err := h.svc.RollbackToBackup(ctx, cp.BackupID)
	testutil.NoError(t, err)
	testutil.Equal(t, "", again.SafetyBackupID)
	testutil.Equal(t, res.RowsRestored, again.RowsRestored)
	testutil.Equal(t, 2, h.snap.rows("mig_users"))

	backups, err := h.svc.ListBackups(ctx)
	testutil.NoError(t, err)
	testutil.SliceLen(t, backups, 2)
	testutil.SliceContains(t, h.audit.Operations(auditlog.LevelInfo), "rollback")
}

// swappingBlobs serves the stored payload on the first read and other
// bytes on every later read.
type swappingBlobs struct {
	blobstore.Backend
	mu    sync.Mutex
	gets  int
	later []byte
}

func (b *swappingBlobs) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	b.gets++
	n := b.gets
	b.mu.Unlock()
	if n > 1 {
		return io.NopCloser(bytes.NewReader(b.later)), nil
	}
	return b.Backend.Get(ctx, key)
}

func TestRollbackRestoresTheVerifiedBytes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	h.snap.set("mig_users", `{"id":1,"email":"a@firm.fr"}`)
	res, err := h.svc.CreateCompleteBackup(ctx, "")
	testutil.NoError(t, err)

	// Same row counts, different content.
	h.snap.set("mig_users", `{"id":1,"email":"intruder@example.com"}`)
	var other bytes.Buffer
	_, err = h.snap.Snapshot(ctx, &other)
	testutil.NoError(t, err)

	blobs := &swappingBlobs{Backend: h.svc.blobs, later: other.Bytes()}
	h.svc.blobs = blobs
	h.snap.set("mig_users")

	rb, err := h.svc.RollbackToBackup(ctx, res.Backup.ID)
	testutil.NoError(t, err)
	testutil.Equal(t, int64(1), rb.RowsRestored)
	testutil.Equal(t, 1, blobs.gets)
	testutil.Equal(t, `{"id":1,"email":"a@firm.fr"}`, string(h.snap.tables["mig_users"][0]))
}

func TestRollbackWithoutSafetyBackup(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	res, err := h.svc.CreateCompleteBackup(ctx, "")
	testutil.NoError(t, err)
	rb, err := h.svc.RollbackToBackup(ctx, res.Backup.ID)
	testutil.NoError(t, err)
	testutil.Equal(t, "", rb.SafetyBackupID)
}

func TestRollbackToCheckpointWithoutSnapshot(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	cp, err := h.svc.CreateCheckpoint(ctx, "bare", PhaseSchemaExtracted, "")
	testutil.NoError(t, err)
	_, err = h.svc.RollbackToCheckpoint(ctx, cp.ID)
	testutil.True(t, errors.Is(err, ErrNoSnapshot))

	_, err = h.svc.RollbackToCheckpoint(ctx, "00000000-0000-0000-0000-000000000000")
	testutil.True(t, errors.Is(err, ErrNotFound))
}

func TestDeleteBackup(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	res, err := h.svc.CreateCompleteBackup(ctx, "")
	testutil.NoError(t, err)

	testutil.NoError(t, h.svc.DeleteBackup(ctx, res.Backup.ID))
	_, err = os.Stat(h.payloadPath(res.Backup))
	testutil.True(t, errors.Is(err, os.ErrNotExist))
	_, err = h.svc.GetBackup(ctx, res.Backup.ID)
	testutil.True(t, errors.Is(err, ErrNotFound))

	err = h.svc.DeleteBackup(ctx, res.Backup.ID)
	testutil.True(t, errors.Is(err, ErrNotFound))
}

type brokenBlobs struct{ blobstore.Backend }

func (brokenBlobs) Put(context.Context, string, io.Reader) (int64, error) {
	return 0, errors.New("bucket quota exceeded")
}

func TestBackupUploadFailureIsRecorded(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.svc.blobs = brokenBlobs{h.svc.blobs}
	ctx := context.Background()

	_, err := h.svc.CreateCompleteBackup(ctx, "")
	testutil.ErrorContains(t, err, "bucket quota exceeded")

	backups, err := h.svc.ListBackups(ctx)
	testutil.NoError(t, err)
	testutil.SliceLen(t, backups, 1)
	testutil.Equal(t, BackupFailed, backups[0].Status)
}
