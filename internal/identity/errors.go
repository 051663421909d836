package identity

import "errors"

var (
	ErrExport          = errors.New("exporting legacy accounts")
	ErrAborted         = errors.New("identity migration aborted after a failure")
	ErrInvalidStrategy = errors.New("invalid password strategy")
	ErrUserNotFound    = errors.New("user not found")
)
