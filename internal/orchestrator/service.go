// Package orchestrator drives the migration through its phases. It records
// validated checkpoints, takes verified backups of the migration-owned tables
// and rolls back to them.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lexledger/lexmigrate/internal/auditlog"
	"github.com/lexledger/lexmigrate/internal/blobstore"
)

// Config holds runtime parameters for the orchestrator.
type Config struct {
	// SnapshotOnCheckpoint captures a backup with every checkpoint.
	SnapshotOnCheckpoint bool
	// SafetyBackup takes a backup of the current state before a rollback.
	SafetyBackup bool
	// TempDir stages payloads before upload. Empty means os.TempDir.
	TempDir string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{SnapshotOnCheckpoint: true, SafetyBackup: true}
}

// Validator checks that a phase's work is complete. prev is the checkpoint
// being validated against, or nil when recording a new one.
type Validator interface {
	Validate(ctx context.Context, prev *Checkpoint) (ValidationResults, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, prev *Checkpoint) (ValidationResults, error)

func (f ValidatorFunc) Validate(ctx context.Context, prev *Checkpoint) (ValidationResults, error) {
	return f(ctx, prev)
}

func alwaysValid(context.Context, *Checkpoint) (ValidationResults, error) {
	return ValidationResults{Valid: true, Checks: []ValidationCheck{}}, nil
}

// Service coordinates checkpoints, phase progression, backups and rollback.
type Service struct {
	store  Store
	blobs  blobstore.Backend
	snap   Snapshotter
	logger *slog.Logger
	audit  auditlog.Logger
	cfg    Config

	mu         sync.RWMutex // protects validators
	validators map[Phase]Validator

	// serializes operations that move the phase or rewrite data
	opMu sync.Mutex

	now   func() time.Time
	newID func() string
}

// NewService creates a Service. initial, validation_complete and
// production_ready get their built-in validators; the rest are registered
// by the caller.
func NewService(store Store, blobs blobstore.Backend, snap Snapshotter, logger *slog.Logger, audit auditlog.Logger, cfg Config) *Service {
	if audit == nil {
		audit = auditlog.Nop{}
	}
	s := &Service{
		store:      store,
		blobs:      blobs,
		snap:       snap,
		logger:     logger,
		audit:      audit,
		cfg:        cfg,
		validators: make(map[Phase]Validator),
		now:        time.Now,
		newID:      func() string { return uuid.NewString() },
	}
	s.validators[PhaseInitial] = ValidatorFunc(alwaysValid)
	s.validators[PhaseValidationComplete] = ValidatorFunc(s.validateCompletion)
	s.validators[PhaseProductionReady] = ValidatorFunc(alwaysValid)
	return s
}

// RegisterValidator sets the validator for phase, replacing any previous one.
func (s *Service) RegisterValidator(phase Phase, v Validator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validators[phase] = v
}

func (s *Service) runValidator(ctx context.Context, phase Phase, prev *Checkpoint) ValidationResults {
	s.mu.RLock()
	v, ok := s.validators[phase]
	s.mu.RUnlock()

	var res ValidationResults
	if !ok {
		res = ValidationResults{Valid: true, Checks: []ValidationCheck{},
			Warnings: []string{fmt.Sprintf("no validator registered for phase %s", phase)}}
	} else {
		var err error
		res, err = v.Validate(ctx, prev)
		if err != nil {
			res.Valid = false
			res.add("validator", false, err.Error())
		}
	}
	if res.Checks == nil {
		res.Checks = []ValidationCheck{}
	}
	res.CheckedAt = s.now().UTC()
	return res
}

// CurrentPhase returns the recorded phase.
func (s *Service) CurrentPhase(ctx context.Context) (Phase, error) {
	st, err := s.store.State(ctx)
	if err != nil {
		return "", err
	}
	return st.Phase, nil
}

// Status reports the current phase and the latest checkpoint per phase.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	st, err := s.store.State(ctx)
	if err != nil {
		return nil, err
	}
	cps, err := s.store.ListCheckpoints(ctx, nil)
	if err != nil {
		return nil, err
	}
	backups, err := s.store.ListBackups(ctx)
	if err != nil {
		return nil, err
	}

	out := &Status{Phase: st.Phase, UpdatedAt: st.UpdatedAt, Checkpoints: make(map[Phase]*Checkpoint), Backups: len(backups)}
	if next, ok := st.Phase.Next(); ok {
		out.NextPhase = next
	}
	for _, cp := range cps {
		if _, seen := out.Checkpoints[cp.Phase]; !seen {
			out.Checkpoints[cp.Phase] = cp
		}
	}
	return out, nil
}

// CreateCheckpoint validates phase and records the outcome. A failing
// validation is recorded, not rejected.
func (s *Service) CreateCheckpoint(ctx context.Context, name string, phase Phase, description string) (*Checkpoint, error) {
	if phase.Index() < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPhase, phase)
	}
	now := s.now().UTC()
	if name == "" {
		name = fmt.Sprintf("%s-%s", phase, now.Format("20060102-150405"))
	}
	op := auditlog.Start(s.audit, string(phase), "checkpoint.create").With("name", name)

	cp := &Checkpoint{
		ID:          s.newID(),
		Name:        name,
		Phase:       phase,
		Description: description,
		Validation:  s.runValidator(ctx, phase, nil),
		CreatedAt:   now,
	}
	if s.cfg.SnapshotOnCheckpoint {
		b, err := s.backup(ctx, BackupCheckpoint, phase, "checkpoint "+name)
		if err != nil {
			op.DoneWithHint(ctx, err, "check the backup backend, or disable snapshot_on_checkpoint")
			return nil, fmt.Errorf("capturing checkpoint backup: %w", err)
		}
		cp.BackupID = b.ID
	}
	if err := s.store.InsertCheckpoint(ctx, cp); err != nil {
		op.Done(ctx, err)
		return nil, err
	}

	op.With("checkpoint_id", cp.ID).With("valid", cp.Validation.Valid).Done(ctx, nil)
	s.logger.Info("checkpoint created", "id", cp.ID, "phase", phase, "valid", cp.Validation.Valid)
	return cp, nil
}

// ListCheckpoints returns checkpoints newest first, optionally for one phase.
func (s *Service) ListCheckpoints(ctx context.Context, phase *Phase) ([]*Checkpoint, error) {
	cps, err := s.store.ListCheckpoints(ctx, phase)
	if err != nil {
		return nil, err
	}
	if cps == nil {
		cps = []*Checkpoint{}
	}
	return cps, nil
}

// GetCheckpoint returns one checkpoint.
func (s *Service) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	return s.store.GetCheckpoint(ctx, id)
}

func (s *Service) latestCheckpoint(ctx context.Context, phase Phase) (*Checkpoint, error) {
	cps, err := s.store.ListCheckpoints(ctx, &phase)
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		return nil, nil
	}
	return cps[0], nil
}

// ValidateCheckpointBeforeProgression re-runs the phase validator against the
// phase's latest checkpoint. It is valid only when such a checkpoint exists
// and the validator passes.
func (s *Service) ValidateCheckpointBeforeProgression(ctx context.Context, phase Phase) (*ProgressionCheck, error) {
	if phase.Index() < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPhase, phase)
	}
	cp, err := s.latestCheckpoint(ctx, phase)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		res := ValidationResults{Checks: []ValidationCheck{}, CheckedAt: s.now().UTC()}
		res.add("checkpoint", false, fmt.Sprintf("no checkpoint recorded for phase %s", phase))
		return &ProgressionCheck{Validation: res}, nil
	}
	res := s.runValidator(ctx, phase, cp)
	return &ProgressionCheck{Valid: res.Valid, Checkpoint: cp, Validation: res}, nil
}

// AdvancePhase moves the migration to the phase immediately after the
// current one. Every phase but initial must first validate.
func (s *Service) AdvancePhase(ctx context.Context, to Phase) (*State, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	st, err := s.store.State(ctx)
	if err != nil {
		return nil, err
	}
	op := auditlog.Start(s.audit, string(st.Phase), "phase.advance").With("from", st.Phase).With("to", to)

	next, ok := st.Phase.Next()
	if !ok || to != next {
		err := fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, st.Phase, to)
		op.Done(ctx, err)
		return nil, err
	}
	if st.Phase != PhaseInitial {
		check, err := s.ValidateCheckpointBeforeProgression(ctx, st.Phase)
		if err != nil {
			op.Done(ctx, err)
			return nil, err
		}
		if !check.Valid {
			err := fmt.Errorf("%w: %s: %s", ErrPhaseValidationFailed, st.Phase, firstFailure(check.Validation))
			op.DoneWithHint(ctx, err, "create a passing checkpoint for the current phase first")
			return nil, err
		}
	}
	if err := s.store.SetPhase(ctx, to); err != nil {
		op.Done(ctx, err)
		return nil, err
	}
	op.Done(ctx, nil)
	s.logger.Info("phase advanced", "from", st.Phase, "to", to)
	return s.store.State(ctx)
}

func firstFailure(res ValidationResults) string {
	for _, c := range res.Checks {
		if !c.Passed {
			if c.Message != "" {
				return c.Name + ": " + c.Message
			}
			return c.Name
		}
	}
	return "validation failed"
}

// validateCompletion requires a valid latest checkpoint for every phase
// between initial and validation_complete.
func (s *Service) validateCompletion(ctx context.Context, _ *Checkpoint) (ValidationResults, error) {
	res := ValidationResults{Valid: true}
	for _, phase := range Phases[1:PhaseValidationComplete.Index()] {
		cp, err := s.latestCheckpoint(ctx, phase)
		if err != nil {
			return res, err
		}
		switch {
		case cp == nil:
			res.Valid = false
			res.add(string(phase), false, "no checkpoint")
		case !cp.Validation.Valid:
			res.Valid = false
			res.add(string(phase), false, fmt.Sprintf("checkpoint %s did not validate", cp.Name))
		default:
			res.add(string(phase), true, "")
		}
	}
	return res, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, blobstore.ErrNotFound)
}
