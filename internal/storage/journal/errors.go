package journal

import (
	"errors"
	"fmt"
)

// Predefined errors
var (
	// ErrConfig marks a configuration problem. The component never reaches a
	// usable state.
	ErrConfig = errors.New("journal: invalid configuration")

	// ErrFormat indicates a journal file does not follow the expected XML
	// structure.
	ErrFormat = errors.New("journal: malformed journal file")

	// ErrRepositoryHashMismatch indicates a journal written by a different
	// repository instance.
	ErrRepositoryHashMismatch = errors.New("journal: repository hash mismatch")

	// ErrFileExists is returned when the permanent name of a new journal file is
	// already taken.
	ErrFileExists = errors.New("journal: journal file already exists")

	// ErrShutdown is returned by operations attempted after shutdown.
	ErrShutdown = errors.New("journal: already shut down")

	// ErrReadOnly is returned when a mutation is attempted while the journal
	// operating mode is read-only.
	ErrReadOnly = errors.New("journal: operating mode is read-only")

	// ErrNoMoreEntries is returned by a non-following reader once every journal
	// file has been consumed.
	ErrNoMoreEntries = errors.New("journal: no more entries")
)

// ConfigError names the parameter that made a configuration invalid.
type ConfigError struct {
	Parameter string
	Reason    string
}

func (e *ConfigError) Error() string {
	if e.Parameter == "" {
		return fmt.Sprintf("journal: invalid configuration: %s", e.Reason)
	}
	return fmt.Sprintf("journal: invalid configuration: parameter %q: %s", e.Parameter, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrConfig
}

// configErrorf builds a ConfigError.
func configErrorf(param, format string, args ...any) error {
	return &ConfigError{Parameter: param, Reason: fmt.Sprintf(format, args...)}
}

// FormatError describes a structural or encoding problem in a journal file.
type FormatError struct {
	File  string // journal file name
	Cause error  // underlying error, may be nil
	msg   string
}

func (e *FormatError) Error() string {
	s := fmt.Sprintf("journal: malformed journal file %s: %s", e.File, e.msg)
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *FormatError) Is(target error) bool {
	return target == ErrFormat
}

func (e *FormatError) Unwrap() error {
	return e.Cause
}

func formatErrorf(file string, cause error, format string, args ...any) error {
	return &FormatError{File: file, Cause: cause, msg: fmt.Sprintf(format, args...)}
}
