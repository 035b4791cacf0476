package utils

import (
	"errors"
	"fmt"
)

// AppError wraps an operation, human-facing message, and underlying error.
// Recoverable marks failures of optional collaborators that callers are
// expected to absorb with a fallback instead of surfacing.
type AppError struct {
	Op          string
	Msg         string
	Err         error
	Recoverable bool
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs a non-recoverable AppError.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}

// Unavailable constructs a recoverable AppError for an unreachable collaborator.
func Unavailable(op string, err error) error {
	return &AppError{Op: op, Msg: "collaborator unavailable", Err: err, Recoverable: true}
}

// IsRecoverable reports whether any AppError in the chain is recoverable.
func IsRecoverable(err error) bool {
	var appErr *AppError
	for err != nil {
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Recoverable {
			return true
		}
		err = appErr.Err
	}
	return false
}
