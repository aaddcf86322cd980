// Package errors provides the error taxonomy of the inventory engine.
package errors

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

var ErrProductNotFound = errors.New("product not found")
var ErrInsufficientStock = errors.New("insufficient stock")
var ErrValidation = errors.New("validation failed")

// ErrTransactionAborted is reported when a unit of work could not commit.
// Both stores are left exactly as they were before the call.
var ErrTransactionAborted = errors.New("transaction aborted")

var ErrTransactionBegin = fmt.Errorf("%w: failed to begin transaction", ErrTransactionAborted)
var ErrTransactionCommit = fmt.Errorf("%w: failed to commit transaction", ErrTransactionAborted)
var ErrTransactionRollback = fmt.Errorf("%w: failed to rollback transaction", ErrTransactionAborted)
var ErrTransactionTimeout = fmt.Errorf("%w: transaction timed out", ErrTransactionAborted)

// ValidationError carries per-field validation failures.
// It matches ErrValidation with errors.Is.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError creates a ValidationError for a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}}
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	parts := make([]string, 0, len(e.Fields))
	for _, field := range slices.Sorted(maps.Keys(e.Fields)) {
		parts = append(parts, field+": "+e.Fields[field])
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, ", ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// IsDomain reports whether err is one of the engine's caller-facing outcomes
// that must be passed through a unit of work unchanged.
func IsDomain(err error) bool {
	return errors.Is(err, ErrProductNotFound) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrTransactionAborted)
}
