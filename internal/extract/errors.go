package extract

import (
	"errors"
	"fmt"
)

var (
	ErrNoMigrationFiles  = errors.New("no migration files found")
	ErrUnsupportedFormat = errors.New("unsupported export format")
)

// ExtractionError reports input that could not be read at all. Malformed
// statements inside readable files are warnings, not ExtractionErrors.
type ExtractionError struct {
	Path string
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extracting schema from %s: %v", e.Path, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }
