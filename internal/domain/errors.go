package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")

	ErrValidation           = errors.New("validation failed")
	ErrNotYetAvailable      = errors.New("price window not yet available")
	ErrExternalService      = errors.New("external service failure")
	ErrInsufficientFunds    = errors.New("relayer has insufficient funds")
	ErrInsufficientBalance  = errors.New("insufficient ledger balance")
	ErrSignatureInvalid     = errors.New("invalid signature")
	ErrAuthExpired          = errors.New("authorization expired")
	ErrAlreadyClosed        = errors.New("position already closed")
	ErrPositionLocked       = errors.New("position is locked")
	ErrSettlementInProgress = errors.New("settlement already in progress")
	ErrPersistence          = errors.New("persistence failure")
	ErrPayout               = errors.New("payout failure")
)

// ValidationError reports a malformed input before any side effect happened.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid is shorthand for building a *ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NotYetAvailableError is returned when one of the windows a position spans
// has not been committed yet. It is retryable.
type NotYetAvailableError struct {
	OpenTimestamp int64
	BoundaryA     int64
	BoundaryB     int64
	Offset        int64
	MissingWindow int64
	// Elapsed is the number of seconds since the last needed window
	// completed (boundaryB+60). Negative values mean it has not completed.
	Elapsed int64
}

func (e *NotYetAvailableError) Error() string {
	return fmt.Sprintf("price window %d not yet available for position opened at %d (boundaryA=%d boundaryB=%d offset=%d elapsed=%ds)",
		e.MissingWindow, e.OpenTimestamp, e.BoundaryA, e.BoundaryB, e.Offset, e.Elapsed)
}

func (e *NotYetAvailableError) Unwrap() error { return ErrNotYetAvailable }

// ExternalServiceError wraps a failure from chain RPC, the DA layer, the
// prediction store or any other remote dependency.
type ExternalServiceError struct {
	Service string
	Op      string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Service, e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the cause to errors.Is / errors.As.
func (e *ExternalServiceError) Unwrap() []error { return []error{ErrExternalService, e.Err} }

// External wraps err as an *ExternalServiceError. A nil err yields nil.
func External(service, op string, err error) error {
	if err == nil {
		return nil
	}
	var ext *ExternalServiceError
	if errors.As(err, &ext) && ext.Service == service {
		return err
	}
	return &ExternalServiceError{Service: service, Op: op, Err: err}
}

// LockActiveError is returned when a position cannot be closed yet.
type LockActiveError struct {
	PositionID uint64
	Remaining  int64
}

func (e *LockActiveError) Error() string {
	return fmt.Sprintf("position %d is locked: %d seconds remaining", e.PositionID, e.Remaining)
}

func (e *LockActiveError) Unwrap() error { return ErrPositionLocked }
