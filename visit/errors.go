/*
errors.go - Error taxonomy for the visit ledger

PURPOSE:
  All ledger errors in one place. Callers branch with errors.Is on the
  sentinels; structured types carry the detail and unwrap to a sentinel.

ERROR CATEGORIES:
  1. Caller errors - InvalidInput, DuplicateActiveVisit, NoOpenVisit
  2. Storage errors - StorageError (opaque to HTTP clients, logged in full)
  3. Startup errors - MigrationError (fatal, no partial service)

RETRY POLICY:
  The ledger never retries. Every operation is local and safe for the
  caller to re-invoke.

SEE ALSO:
  - ledger.go: Returns these errors
  - store/sqlite: Produces MigrationError and ErrDuplicateActiveVisit
  - api/handlers.go: Maps them to HTTP status codes
*/
package visit

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidInput is returned when a required field is missing or empty.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDuplicateActiveVisit is returned when the person already has an
	// open visit. Stores return it when the open-visit unique index fires.
	ErrDuplicateActiveVisit = errors.New("person already has an active visit")

	// ErrNoOpenVisit is returned when an exit is requested for a person
	// without an open visit.
	ErrNoOpenVisit = errors.New("no open visit for person")

	// ErrStorage marks failures of the underlying store.
	ErrStorage = errors.New("storage failure")

	// ErrMigration marks schema migration failures. Fatal at startup.
	ErrMigration = errors.New("schema migration failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// DuplicateActiveVisitError identifies the visit that blocks a new entry.
// VisitID is zero when the conflict was only detected by the store.
type DuplicateActiveVisitError struct {
	RUT     string
	VisitID int64
}

func (e *DuplicateActiveVisitError) Error() string {
	if e.VisitID == 0 {
		return fmt.Sprintf("%s: %s", ErrDuplicateActiveVisit, e.RUT)
	}
	return fmt.Sprintf("%s: %s (visit %d)", ErrDuplicateActiveVisit, e.RUT, e.VisitID)
}

func (e *DuplicateActiveVisitError) Unwrap() error { return ErrDuplicateActiveVisit }

// NoOpenVisitError names the RUT that had nothing to close.
type NoOpenVisitError struct {
	RUT string
}

func (e *NoOpenVisitError) Error() string {
	return fmt.Sprintf("%s: %s", ErrNoOpenVisit, e.RUT)
}

func (e *NoOpenVisitError) Unwrap() error { return ErrNoOpenVisit }

// StorageError wraps a store failure with the operation that hit it.
// errors.Is(err, ErrStorage) holds; Unwrap exposes the driver error.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// MigrationError names the schema step that failed.
type MigrationError struct {
	Step string
	Err  error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("schema migration failed at %s: %v", e.Step, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

func (e *MigrationError) Is(target error) bool { return target == ErrMigration }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError reports whether the caller caused the error.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrDuplicateActiveVisit) ||
		errors.Is(err, ErrNoOpenVisit)
}

// IsNotFound reports whether the error means there was nothing to act on.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNoOpenVisit)
}

// storageErr wraps err unless it already belongs to the taxonomy.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsClientError(err) || errors.Is(err, ErrStorage) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
