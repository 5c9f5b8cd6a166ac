/*
errors.go - Error taxonomy for the stamp ledger

PURPOSE:
  All error types in one place. Stores and the HTTP layer classify
  failures with errors.Is / errors.As against these values only.

ERROR CATEGORIES:
  1. ValidationError  - malformed identifier or operation (caller's fault)
  2. NotFoundError    - no account for the identifier
  3. BlackoutError    - Holiday Gate refused the mutation
  4. ConflictError    - lock wait timed out or the database reported
                        contention; safe for the caller to retry
  5. PersistenceError - anything else the storage layer threw; fatal for
                        this attempt

RETRIES:
  The engine never retries. AddStamp is not idempotent, so a blind retry
  would double-count a stamp. Deduplication is the caller's job
  (see api/idempotency.go).

SEE ALSO:
  - engine.go: Wraps unclassified store errors in PersistenceError
  - api/handlers.go: Maps these errors to HTTP status codes
*/
package loyalty

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation  = errors.New("validation failed")
	ErrNotFound    = errors.New("account not found")
	ErrBlackout    = errors.New("stamp updates are blocked today")
	ErrConflict    = errors.New("account is locked by another operation")
	ErrPersistence = errors.New("persistence failure")

	// ErrAuditTrailMissing is returned by AuditLog.DeleteMostRecent when no
	// event with the expected stamp index exists for the account.
	ErrAuditTrailMissing = errors.New("no stamp event to reverse")

	// ErrRewardMissing is returned by RewardIssuer.RetractMostRecent when the
	// account has no reward records.
	ErrRewardMissing = errors.New("no reward record to retract")

	// ErrDuplicateMember is returned by Registrar.Register for a member code
	// that is already registered.
	ErrDuplicateMember = errors.New("member code already registered")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a malformed request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError reports an identifier that resolves to no account.
type NotFoundError struct {
	Identifier string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("account not found: %q", e.Identifier)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// BlackoutError carries the gate status that caused the refusal.
type BlackoutError struct {
	Status GateStatus
}

func (e *BlackoutError) Error() string {
	return fmt.Sprintf("%s (%s, business date %s)",
		ErrBlackout, e.Status.ReasonKey, e.Status.BusinessDate.Format("2006-01-02"))
}

func (e *BlackoutError) Unwrap() error { return ErrBlackout }

// ConflictError reports lock contention. The operation had no effect.
type ConflictError struct {
	Identifier string
	Err        error
}

func (e *ConflictError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %q", ErrConflict, e.Identifier)
	}
	return fmt.Sprintf("%s: %q: %v", ErrConflict, e.Identifier, e.Err)
}

func (e *ConflictError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConflict}
	}
	return []error{ErrConflict, e.Err}
}

// PersistenceError wraps an unexpected storage failure. The operation had no effect.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrPersistence, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the same request may succeed when sent again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrDuplicateMember)
}

// IsNotFound returns true if the error indicates a missing account.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Kind returns a stable, lower-case name for the error category.
// Used for metric labels and API error codes.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrBlackout):
		return "blackout"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrDuplicateMember):
		return "duplicate_member"
	default:
		return "persistence"
	}
}

// classify leaves categorized errors alone and wraps everything else as a
// PersistenceError for op.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrBlackout) || errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrPersistence) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
