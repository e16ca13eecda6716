package logwriter

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes a PersistenceError.
type ErrorKind int

const (
	ErrKindDirectory ErrorKind = iota
	ErrKindRotation
	ErrKindWrite
	ErrKindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindRotation:
		return "rotation"
	case ErrKindWrite:
		return "write"
	case ErrKindCancelled:
		return "cancelled"
	default:
		return "directory"
	}
}

// PersistenceError reports that a snapshot could not be appended to the log.
type PersistenceError struct {
	Kind    ErrorKind
	Path    string
	Message string
	Cause   error
}

func (e *PersistenceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *PersistenceError) Unwrap() error {
	return e.Cause
}

// NewDirectoryError reports an uncreatable or unwritable log directory.
func NewDirectoryError(dir string, cause error) *PersistenceError {
	return &PersistenceError{
		Kind:    ErrKindDirectory,
		Path:    dir,
		Message: fmt.Sprintf("log directory %s is not usable", dir),
		Cause:   cause,
	}
}

// NewRotationError reports that the active log file could not be rotated out.
func NewRotationError(path string, cause error) *PersistenceError {
	return &PersistenceError{
		Kind:    ErrKindRotation,
		Path:    path,
		Message: fmt.Sprintf("failed to rotate %s", path),
		Cause:   cause,
	}
}

// NewWriteError reports a failure opening, writing or syncing the log file.
func NewWriteError(path string, cause error) *PersistenceError {
	return &PersistenceError{
		Kind:    ErrKindWrite,
		Path:    path,
		Message: fmt.Sprintf("failed to write %s", path),
		Cause:   cause,
	}
}

// IsPersistenceError reports whether err is or wraps a PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
