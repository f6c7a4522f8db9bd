package shared

import (
	"errors"
	"sort"
	"strings"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates a missing or malformed required field.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidTransition indicates the action is not legal from the current status.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrPermissionDenied indicates the actor's role lacks the capability.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrItemAlreadyClaimed occurs when a quote item is already referenced by an active purchase order.
	ErrItemAlreadyClaimed = errors.New("item already claimed")
	// ErrConflict occurs when a record changed between load and save.
	ErrConflict = errors.New("record modified concurrently")
	// ErrUnauthenticated occurs when no actor is attached to the request.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// ValidationError collects per-field messages and unwraps to ErrValidation.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError builds a ValidationError with one field populated.
func NewValidationError(field, msg string) *ValidationError {
	v := &ValidationError{}
	v.Add(field, msg)
	return v
}

// Add records a message for field. The first message per field wins.
func (e *ValidationError) Add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, ok := e.Fields[field]; ok {
		return
	}
	e.Fields[field] = msg
}

// Empty reports whether no field has been flagged.
func (e *ValidationError) Empty() bool {
	return e == nil || len(e.Fields) == 0
}

// Err returns nil when empty so callers can `return v.Err()`.
func (e *ValidationError) Err() error {
	if e.Empty() {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	if e.Empty() {
		return ErrValidation.Error()
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

// Unwrap allows errors.Is(err, ErrValidation).
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
