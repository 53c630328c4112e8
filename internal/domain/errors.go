package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig marks configuration problems that must stop a run before any
	// row is processed.
	ErrConfig = errors.New("configuration error")

	// ErrNotFound is returned when a named migration, database or entry does
	// not exist.
	ErrNotFound = errors.New("not found")
)

// ConfigError formats a configuration error that wraps ErrConfig.
func ConfigError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// SkipRowError stops processing of the current row.
type SkipRowError struct {
	Message string
	// SaveToMap records the row as ignored in the identity map.
	SaveToMap bool
	// DestinationIDs is set when the row resolved to an identity that already
	// exists; the row is then mapped onto it instead of being imported.
	DestinationIDs []any
}

func (e *SkipRowError) Error() string {
	if e.Message == "" {
		return "row skipped"
	}
	return "row skipped: " + e.Message
}

// SkipProcessError stops the chain of the current field and leaves it unset.
type SkipProcessError struct {
	Message string
}

func (e *SkipProcessError) Error() string {
	if e.Message == "" {
		return "process skipped"
	}
	return "process skipped: " + e.Message
}

// IsSkipRow reports whether err carries a row skip signal.
func IsSkipRow(err error) (*SkipRowError, bool) {
	var skip *SkipRowError
	if errors.As(err, &skip) {
		return skip, true
	}
	return nil, false
}

// IsSkipProcess reports whether err carries a field skip signal.
func IsSkipProcess(err error) bool {
	var skip *SkipProcessError
	return errors.As(err, &skip)
}
