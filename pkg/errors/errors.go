// Package errors defines the failure taxonomy shared by the tree builder,
// the tree loaders, the inverted index and the visual database.
package errors

import (
	"errors"
	"fmt"
)

var (
	ErrNoData         = errors.New("no training data")
	ErrCorruptFormat  = errors.New("corrupt format")
	ErrInvalidState   = errors.New("invalid object state")
	ErrAlreadyIndexed = errors.New("object already indexed")
	ErrNotFound       = errors.New("not found")
	ErrStorageWrite   = errors.New("storage write failure")
	ErrInvalidInput   = errors.New("invalid input")
)

// AppError attaches the failing operation and a human readable message to
// one of the sentinel errors above.
type AppError struct {
	Err     error
	Op      string
	Message string
}

func (e *AppError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, op string, message string) *AppError {
	return &AppError{
		Err:     sentinel,
		Op:      op,
		Message: message,
	}
}

func Newf(sentinel error, op string, format string, args ...any) *AppError {
	return &AppError{
		Err:     sentinel,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// Is reports whether any error in err's chain matches target. It saves
// callers from importing both this package and the standard one.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// ExitCode maps an error to the process exit code used by the commands.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrInvalidInput):
		return 2
	case errors.Is(err, ErrNoData):
		return 3
	case errors.Is(err, ErrNotFound):
		return 4
	case errors.Is(err, ErrCorruptFormat):
		return 5
	case errors.Is(err, ErrStorageWrite):
		return 6
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrAlreadyIndexed):
		return 7
	default:
		return 1
	}
}
