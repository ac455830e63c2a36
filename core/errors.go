package core

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrInvalidCredential     = errors.New("invalid credentials")
	ErrAwaitingApproval      = errors.New("account awaiting approval")
	ErrUnreachable           = errors.New("remote unreachable")
	ErrUnauthenticated       = errors.New("not authenticated")
	ErrCorruptPersistedState = errors.New("corrupt persisted state")
	ErrNotFound              = errors.New("record not found")
)

// FieldError is used to indicate an error with a specific struct field.
type FieldError struct {
	Field string
	Error string
}

type ValidationError struct {
	Err    error
	Fields []FieldError
}

func NewValidationError(err error, flds ...FieldError) error {
	return &ValidationError{err, flds}
}

func (err ValidationError) Error() string {
	if err.Err != nil {
		return err.Err.Error()
	}
	msgs := make([]string, 0, len(err.Fields))
	for _, f := range err.Fields {
		msgs = append(msgs, f.Field+": "+f.Error)
	}
	return strings.Join(msgs, "; ")
}

// Unwrap exposes the cause to errors.Is / errors.As.
func (err ValidationError) Unwrap() error { return err.Err }

// unreachableError marks a collaborator failure caused by connectivity.
type unreachableError struct {
	err error
}

// NewUnreachableError wraps err so that errors.Is(err, ErrUnreachable) holds.
func NewUnreachableError(err error) error {
	if err == nil {
		return ErrUnreachable
	}
	return &unreachableError{err: err}
}

func (e *unreachableError) Error() string        { return ErrUnreachable.Error() + ": " + e.err.Error() }
func (e *unreachableError) Unwrap() error        { return e.err }
func (e *unreachableError) Is(target error) bool { return target == ErrUnreachable }

func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}

// SyncFailure is the failure of a single draft during a sync pass.
type SyncFailure struct {
	DraftID  string
	RemoteID string
	Attempts int
	Err      error
}

// PartialSyncError is returned by a sync pass in which one or more drafts failed.
// The buffer is retained for the next pass.
type PartialSyncError struct {
	Failures []SyncFailure
}

func (e *PartialSyncError) Error() string {
	return fmt.Sprintf("%d draft(s) failed to sync", len(e.Failures))
}

// Unwrap exposes the per-draft errors to errors.Is / errors.As.
func (e *PartialSyncError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Report lists the failures, one per line.
func (e *PartialSyncError) Report() string {
	var b strings.Builder
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "%s (attempts: %d): %v\n", f.DraftID, f.Attempts, f.Err)
	}
	return b.String()
}

type shutdown struct {
	message string
}

func NewShutdownError(msg string) error {
	return &shutdown{message: msg}
}

func (s shutdown) Error() string {
	return s.message
}

func IsShutdown(err error) bool {
	_, ok := errors.Cause(err).(*shutdown)
	return ok
}
