/*
errors.go - Centralized error types for the night audit engine

ERROR CATEGORIES:
  1. Validation errors - Critical data-integrity findings; block the run
  2. Operation errors  - Raised inside one operation; captured on it only
  3. Store errors      - Persistence conflicts and missing records

PROPAGATION:
  Operation-local failures never leave their operation. Run-level failures
  (validation, loading inputs, summary) are recorded once on the AuditLog.
  Only conditions that prevent a log from existing at all (another run in
  progress, the store refusing to begin) are returned to the caller.
*/
package audit

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrAuditInProgress is returned when another run has not finished yet.
	ErrAuditInProgress = errors.New("night audit already in progress")

	// ErrAuditFinalized is returned when writing to a completed or failed log.
	ErrAuditFinalized = errors.New("audit log is finalized")

	ErrAuditNotFound = errors.New("audit log not found")

	// ErrDuplicateCharge is returned when a night-audit charge with the same
	// (folio, business date, charge type) already exists.
	ErrDuplicateCharge = errors.New("charge already posted for business date")

	ErrFolioNotFound = errors.New("folio not found")

	// ErrDuplicateInvoice is returned when an invoice number or folio is reused.
	ErrDuplicateInvoice = errors.New("duplicate invoice")

	// ErrConcurrentModification is returned when a sequence was changed by
	// someone else since it was read.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	ErrValidationFailed = errors.New("validation failed")

	// ErrLockNotObtained is returned by a Locker when the run lock is held.
	ErrLockNotObtained = errors.New("run lock not obtained")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError carries the critical issues that blocked a run.
type ValidationError struct {
	Issues []ValidationIssue
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		msgs[i] = is.Message
	}
	return fmt.Sprintf("validation failed: %d critical issue(s): %s", len(e.Issues), strings.Join(msgs, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

// OperationError is the failure reason of a single pipeline operation.
type OperationError struct {
	Operation OperationType
	Err       error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsConflict returns true if the error means "try again later".
func IsConflict(err error) bool {
	return errors.Is(err, ErrAuditInProgress) ||
		errors.Is(err, ErrLockNotObtained) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsNotFound returns true if a looked-up record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAuditNotFound) || errors.Is(err, ErrFolioNotFound)
}
