package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/bc-dunia/threadmon/internal/registry"
)

// ErrorKind categorizes a RegistryError.
type ErrorKind int

const (
	ErrKindUnavailable ErrorKind = iota
	ErrKindMalformed
	ErrKindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindMalformed:
		return "malformed"
	case ErrKindCancelled:
		return "cancelled"
	default:
		return "unavailable"
	}
}

// summary is the caller-facing description of the kind.
func (k ErrorKind) summary() string {
	switch k {
	case ErrKindMalformed:
		return registry.ErrMalformed.Error()
	case ErrKindCancelled:
		return "request cancelled or timed out"
	default:
		return registry.ErrUnavailable.Error()
	}
}

// RegistryError reports that the mandatory system counters could not be read.
// It is fatal to the current request only.
//
// Error carries only the message and kind, since it ends up in rendered
// payloads. The cause, which may hold agent URLs and response bodies, is
// available through Detail and Unwrap.
type RegistryError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *RegistryError) Error() string {
	return e.Message + ": " + e.Kind.summary()
}

// Detail returns the full error including the cause chain.
func (e *RegistryError) Detail() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *RegistryError) Unwrap() error {
	return e.Cause
}

func newRegistryError(message string, cause error) *RegistryError {
	kind := ErrKindUnavailable
	switch {
	case errors.Is(cause, context.Canceled), errors.Is(cause, context.DeadlineExceeded):
		kind = ErrKindCancelled
	case errors.Is(cause, registry.ErrMalformed):
		kind = ErrKindMalformed
	}
	return &RegistryError{Kind: kind, Message: message, Cause: cause}
}

// IsRegistryError reports whether err is or wraps a RegistryError.
func IsRegistryError(err error) bool {
	var re *RegistryError
	return errors.As(err, &re)
}
