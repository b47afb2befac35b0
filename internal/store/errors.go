package store

import (
	"errors"
	"fmt"

	"astrodb/internal/domain"
	"astrodb/internal/repo"
)

var (
	ErrNotFound          = repo.ErrNotFound
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotReady          = errors.New("proposal not ready")
	ErrStorage           = errors.New("storage fault")
	ErrInvalidInput      = errors.New("invalid input")
)

// TransitionError reports a rejected status change. Current is the status the
// proposal still holds.
type TransitionError struct {
	PID     int64
	Current domain.Status
	To      domain.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("proposal %d: cannot move to %s from %s", e.PID, e.To, e.Current)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// StorageError wraps a failure of the underlying database or blob store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage fault during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func notFound(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
}

func conflict(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConflict}, args...)...)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidInput}, args...)...)
}

// Outcome classifies err into a metrics and API label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrNotReady):
		return "not_ready"
	case errors.Is(err, ErrInvalidInput):
		return "invalid"
	case errors.Is(err, ErrStorage):
		return "storage_fault"
	}
	return "error"
}
