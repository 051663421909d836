package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/lexledger/lexmigrate/internal/auditlog"
)

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

func backupKey(id string) string {
	return "backups/" + id + ".jsonl.gz"
}

// backup snapshots the migration-owned tables into a staged file, checksums
// it on the way and uploads it. The record is written only once the payload
// is stored.
func (s *Service) backup(ctx context.Context, kind BackupKind, phase Phase, description string) (*Backup, error) {
	id := s.newID()
	op := auditlog.Start(s.audit, string(phase), "backup.create").With("backup_id", id).With("kind", kind)

	f, err := os.CreateTemp(s.cfg.TempDir, "lexmigrate-backup-*.jsonl.gz")
	if err != nil {
		op.Done(ctx, err)
		return nil, fmt.Errorf("staging backup: %w", err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	h := sha256.New()
	var size countingWriter
	tables, err := s.snap.Snapshot(ctx, io.MultiWriter(f, h, &size))
	if err != nil {
		op.Done(ctx, err)
		return nil, fmt.Errorf("snapshotting tables: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		op.Done(ctx, err)
		return nil, fmt.Errorf("rewinding staged backup: %w", err)
	}

	b := &Backup{
		ID:          id,
		Kind:        kind,
		Description: description,
		Phase:       phase,
		Tables:      tables,
		SizeBytes:   size.n,
		Checksum:    hex.EncodeToString(h.Sum(nil)),
		Location:    backupKey(id),
		Status:      BackupCompleted,
		CreatedAt:   s.now().UTC(),
	}
	if b.Tables == nil {
		b.Tables = []BackupTable{}
	}
	if _, err := s.blobs.Put(ctx, b.Location, f); err != nil {
		b.Status = BackupFailed
		if ierr := s.store.InsertBackup(context.WithoutCancel(ctx), b); ierr != nil {
			s.logger.Warn("recording failed backup", "id", id, "error", ierr)
		}
		op.DoneWithHint(ctx, err, "check the backup backend credentials and free space")
		return nil, fmt.Errorf("uploading backup: %w", err)
	}
	if err := s.store.InsertBackup(ctx, b); err != nil {
		op.Done(ctx, err)
		return nil, err
	}

	op.With("size_bytes", b.SizeBytes).With("rows", b.RowCount()).Done(ctx, nil)
	s.logger.Info("backup created", "id", id, "kind", kind, "size", b.SizeBytes, "rows", b.RowCount())
	return b, nil
}

// CreateCompleteBackup takes a manual backup of the migration-owned tables.
func (s *Service) CreateCompleteBackup(ctx context.Context, description string) (*CompleteBackupResult, error) {
	return s.createCompleteBackup(ctx, BackupManual, description)
}

func (s *Service) createCompleteBackup(ctx context.Context, kind BackupKind, description string) (*CompleteBackupResult, error) {
	start := s.now()
	phase, err := s.CurrentPhase(ctx)
	if err != nil {
		return nil, err
	}
	b, err := s.backup(ctx, kind, phase, description)
	if err != nil {
		return nil, err
	}
	res := &CompleteBackupResult{Backup: b, DurationMs: s.now().Sub(start).Milliseconds()}
	for _, t := range b.Tables {
		if t.Rows == 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("table %s is empty", t.Name))
		}
	}
	return res, nil
}

// ListBackups returns backups newest first.
func (s *Service) ListBackups(ctx context.Context) ([]*Backup, error) {
	backups, err := s.store.ListBackups(ctx)
	if err != nil {
		return nil, err
	}
	if backups == nil {
		backups = []*Backup{}
	}
	return backups, nil
}

// GetBackup returns one backup record.
func (s *Service) GetBackup(ctx context.Context, id string) (*Backup, error) {
	return s.store.GetBackup(ctx, id)
}

// DeleteBackup removes the payload and the record. A payload already gone
// from the backend is not an error.
func (s *Service) DeleteBackup(ctx context.Context, id string) error {
	b, err := s.store.GetBackup(ctx, id)
	if err != nil {
		return err
	}
	op := auditlog.Start(s.audit, string(b.Phase), "backup.delete").With("backup_id", id)
	if err := s.blobs.Delete(ctx, b.Location); err != nil && !isNotFound(err) {
		op.Done(ctx, err)
		return fmt.Errorf("deleting backup payload: %w", err)
	}
	if err := s.store.DeleteBackup(ctx, id); err != nil {
		op.Done(ctx, err)
		return err
	}
	op.Done(ctx, nil)
	return nil
}

// ValidateBackupIntegrity re-reads the stored payload. It checks checksum
// and size, then decodes every row and compares the counts with the
// manifest. Problems are reported as issues, not errors.
func (s *Service) ValidateBackupIntegrity(ctx context.Context, id string) (*IntegrityReport, error) {
	b, err := s.store.GetBackup(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.verifyPayload(ctx, b, io.Discard)
}

// stagingWriter copies verified bytes aside. It never fails the read it is
// teed from; the first write error is kept for the caller.
type stagingWriter struct {
	w   io.Writer
	err error
}

func (sw *stagingWriter) Write(p []byte) (int, error) {
	if sw.err == nil {
		_, sw.err = sw.w.Write(p)
	}
	return len(p), nil
}

// verifyPayload reads the payload of b exactly once and copies every byte it
// checks to stage, so a caller can restore the bytes that were verified.
func (s *Service) verifyPayload(ctx context.Context, b *Backup, stage io.Writer) (*IntegrityReport, error) {
	report := &IntegrityReport{
		BackupID:         b.ID,
		ExpectedChecksum: b.Checksum,
		ExpectedSize:     b.SizeBytes,
	}
	if b.Status != BackupCompleted {
		report.Issues = append(report.Issues, fmt.Sprintf("backup status is %s", b.Status))
	}

	rc, err := s.blobs.Get(ctx, b.Location)
	if isNotFound(err) {
		report.Issues = append(report.Issues, "payload is missing from the backup backend")
		return s.finishIntegrity(ctx, report), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading backup payload: %w", err)
	}
	defer rc.Close()

	h := sha256.New()
	var size countingWriter
	staged := &stagingWriter{w: stage}
	tee := io.TeeReader(rc, io.MultiWriter(h, &size, staged))
	p, decodeErr := readPayload(tee)
	if _, err := io.Copy(io.Discard, tee); err != nil {
		return nil, fmt.Errorf("reading backup payload: %w", err)
	}
	if staged.err != nil {
		return nil, fmt.Errorf("staging backup payload: %w", staged.err)
	}
	report.ActualChecksum = hex.EncodeToString(h.Sum(nil))
	report.ActualSize = size.n

	if report.ActualChecksum != report.ExpectedChecksum {
		report.Issues = append(report.Issues, "checksum mismatch")
	}
	if report.ActualSize != report.ExpectedSize {
		report.Issues = append(report.Issues, fmt.Sprintf("size mismatch: expected %d bytes, found %d", report.ExpectedSize, report.ActualSize))
	}
	if decodeErr != nil {
		report.Issues = append(report.Issues, fmt.Sprintf("payload does not decode: %v", decodeErr))
		return s.finishIntegrity(ctx, report), nil
	}
	report.Issues = append(report.Issues, p.mismatches()...)

	declared := make(map[string]int64, len(p.header.Tables))
	for _, t := range p.header.Tables {
		declared[t.Name] = t.Rows
	}
	for _, t := range b.Tables {
		rows, ok := declared[t.Name]
		switch {
		case !ok:
			report.Issues = append(report.Issues, fmt.Sprintf("table %s is missing from the payload", t.Name))
		case rows != t.Rows:
			report.Issues = append(report.Issues, fmt.Sprintf("table %s: recorded %d rows, payload declares %d", t.Name, t.Rows, rows))
		}
	}
	return s.finishIntegrity(ctx, report), nil
}

func (s *Service) finishIntegrity(ctx context.Context, report *IntegrityReport) *IntegrityReport {
	report.Valid = len(report.Issues) == 0
	if !report.Valid {
		auditlog.Warn(ctx, s.audit, "", "backup.verify",
			fmt.Sprintf("backup %s failed integrity: %s", report.BackupID, strings.Join(report.Issues, "; ")))
	}
	return report
}

// RollbackToBackup restores the backup and resets the phase to the one it
// was taken in. The payload is read once into a staging file; only those
// bytes, after passing the integrity checks, are restored.
// Repeating a rollback to the same backup restores again without another
// safety backup.
func (s *Service) RollbackToBackup(ctx context.Context, id string) (*RollbackResult, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	b, err := s.store.GetBackup(ctx, id)
	if err != nil {
		return nil, err
	}
	op := auditlog.Start(s.audit, string(b.Phase), "rollback").With("backup_id", id)

	staged, err := os.CreateTemp(s.cfg.TempDir, "lexmigrate-restore-*.jsonl.gz")
	if err != nil {
		op.Done(ctx, err)
		return nil, fmt.Errorf("staging backup: %w", err)
	}
	defer os.Remove(staged.Name())
	defer staged.Close()

	report, err := s.verifyPayload(ctx, b, staged)
	if err != nil {
		op.Done(ctx, err)
		return nil, err
	}
	if !report.Valid {
		err := fmt.Errorf("%w: backup %s: %s", ErrIntegrityViolation, id, strings.Join(report.Issues, "; "))
		auditlog.Error(ctx, s.audit, string(b.Phase), "rollback", err, "take a fresh backup; this one cannot be restored")
		return nil, err
	}
	if _, err := staged.Seek(0, io.SeekStart); err != nil {
		op.Done(ctx, err)
		return nil, fmt.Errorf("rewinding staged backup: %w", err)
	}

	st, err := s.store.State(ctx)
	if err != nil {
		op.Done(ctx, err)
		return nil, err
	}
	res := &RollbackResult{BackupID: id, Phase: b.Phase}
	if s.cfg.SafetyBackup && st.LastRollbackID != id {
		safety, err := s.backup(ctx, BackupSafety, st.Phase, "before rollback to "+id)
		if err != nil {
			op.DoneWithHint(ctx, err, "the safety backup failed; nothing was restored")
			return nil, fmt.Errorf("taking safety backup: %w", err)
		}
		res.SafetyBackupID = safety.ID
	}

	res.TablesRestored, res.RowsRestored, err = s.snap.Restore(ctx, staged)
	if err != nil {
		hint := "the restore transaction rolled back; the previous data is intact"
		if errors.Is(err, ErrRestoreBlocked) {
			hint = "rows outside the backup reference migrated accounts; detach them before rolling back"
		}
		op.DoneWithHint(ctx, err, hint)
		return nil, fmt.Errorf("restoring backup %s: %w", id, err)
	}

	if err := s.store.SetPhase(ctx, b.Phase); err != nil {
		op.Done(ctx, err)
		return nil, err
	}
	if err := s.store.SetLastRollback(ctx, id); err != nil {
		op.Done(ctx, err)
		return nil, err
	}
	op.With("tables", res.TablesRestored).With("rows", res.RowsRestored).Done(ctx, nil)
	s.logger.Info("rolled back", "backup", id, "phase", b.Phase, "rows", res.RowsRestored)
	return res, nil
}

// RollbackToCheckpoint restores the backup captured with the checkpoint.
func (s *Service) RollbackToCheckpoint(ctx context.Context, id string) (*RollbackResult, error) {
	cp, err := s.store.GetCheckpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	if cp.BackupID == "" {
		return nil, fmt.Errorf("checkpoint %s: %w", id, ErrNoSnapshot)
	}
	return s.RollbackToBackup(ctx, cp.BackupID)
}
