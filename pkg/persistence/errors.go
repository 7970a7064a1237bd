// Package persistence provides the data storage abstraction for
// processes, executions, stand-by records and fund problems.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrProcessNotFound indicates no process exists for the given identifier.
	ErrProcessNotFound = errors.New("process not found")

	// ErrExecutionNotFound indicates no execution exists for the given identifier.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrStandByNotFound indicates no stand-by record exists for the given identifier.
	ErrStandByNotFound = errors.New("stand-by record not found")

	// ErrFundNotFound indicates no fund exists for the given identifier.
	ErrFundNotFound = errors.New("fund not found")

	// ErrFundProblemNotFound indicates no fund problem exists for the given identifier.
	ErrFundProblemNotFound = errors.New("fund problem not found")

	// ErrProcessAlreadyRunning indicates a run is already in progress for the report date.
	ErrProcessAlreadyRunning = errors.New("process already running for report date")

	// ErrStandByAlreadyResolved indicates the stand-by record was resolved earlier.
	ErrStandByAlreadyResolved = errors.New("stand-by record already resolved")
)

// StoreError wraps persistence errors with operation context.
type StoreError struct {
	Op     string // Operation being performed (e.g., "GetByID", "Create")
	Entity string // Entity kind (e.g., "process", "execution")
	ID     int64  // Identifier if applicable
	Err    error  // Underlying error
}

func (e *StoreError) Error() string {
	if e.ID != 0 {
		return fmt.Sprintf("%s operation failed for %s %d: %v", e.Op, e.Entity, e.ID, e.Err)
	}

	return fmt.Sprintf("%s operation failed for %s: %v", e.Op, e.Entity, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewStoreError creates a new store error with context.
func NewStoreError(op, entity string, id int64, err error) *StoreError {
	return &StoreError{Op: op, Entity: entity, ID: id, Err: err}
}

// IsProcessNotFound checks if an error indicates a process was not found.
func IsProcessNotFound(err error) bool {
	return errors.Is(err, ErrProcessNotFound)
}

// IsExecutionNotFound checks if an error indicates an execution was not found.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsStandByNotFound checks if an error indicates a stand-by record was not found.
func IsStandByNotFound(err error) bool {
	return errors.Is(err, ErrStandByNotFound)
}

// IsFundNotFound checks if an error indicates a fund was not found.
func IsFundNotFound(err error) bool {
	return errors.Is(err, ErrFundNotFound)
}
