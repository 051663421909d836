package orchestrator

import "errors"

var (
	ErrNotFound              = errors.New("not found")
	ErrDuplicate             = errors.New("already exists")
	ErrInvalidPhase          = errors.New("invalid phase")
	ErrInvalidTransition     = errors.New("invalid phase transition")
	ErrPhaseValidationFailed = errors.New("phase validation failed")
	ErrIntegrityViolation    = errors.New("backup integrity violation")
	ErrNoSnapshot            = errors.New("checkpoint has no backup")
	ErrRestoreBlocked        = errors.New("rollback blocked by rows outside the backup")
)
