package model

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a deal, transcript or candidate update does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError reports bad caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// MalformedExtractionError means the completion service answered with text
// that is not the expected JSON shape. Raw holds the response for diagnosis.
type MalformedExtractionError struct {
	Raw    string
	Reason string
}

func (e *MalformedExtractionError) Error() string {
	return "malformed extraction: " + e.Reason
}

// ExtractionServiceError wraps a completion-provider failure (network, API,
// timeout). The transcript stays pending; Retryable hints that resubmitting
// may succeed.
type ExtractionServiceError struct {
	Err       error
	Retryable bool
}

func (e *ExtractionServiceError) Error() string {
	return "extraction service: " + e.Err.Error()
}

func (e *ExtractionServiceError) Unwrap() error {
	return e.Err
}

// AlreadyResolvedError is returned when resolving a candidate update that has
// left the pending state. Callers treat it as a stale view and refresh.
type AlreadyResolvedError struct {
	ID     string
	Status ApprovalStatus
}

func (e *AlreadyResolvedError) Error() string {
	return fmt.Sprintf("candidate update %s already %s", e.ID, e.Status)
}

// PersistenceError wraps a datastore failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// UnknownFieldError is returned when a candidate update names a field outside
// the deal schema.
type UnknownFieldError struct {
	Field string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("unknown deal field %q", e.Field)
}

// CoercionError is returned when text cannot be converted to a field's type.
type CoercionError struct {
	Field string
	Value string
	Type  FieldType
}

func (e *CoercionError) Error() string {
	return fmt.Sprintf("field %s: cannot parse %q as %s", e.Field, e.Value, e.Type)
}

// InvalidTransitionError is returned when a transcript status write would
// skip or regress a state.
type InvalidTransitionError struct {
	ID   string
	From TranscriptStatus
	To   TranscriptStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("transcript %s: invalid transition %s -> %s", e.ID, e.From, e.To)
}

// StaleUpdateError is returned when the caller's view of a candidate update
// (field and value) no longer matches the ledger row.
type StaleUpdateError struct {
	ID string
}

func (e *StaleUpdateError) Error() string {
	return fmt.Sprintf("candidate update %s does not match the submitted field/value", e.ID)
}

// BlockedUpdateError names the pending update whose field or value stopped a
// bulk approval. Err is the underlying *UnknownFieldError or *CoercionError.
type BlockedUpdateError struct {
	ID  string
	Err error
}

func (e *BlockedUpdateError) Error() string {
	return fmt.Sprintf("candidate update %s: %v", e.ID, e.Err)
}

func (e *BlockedUpdateError) Unwrap() error {
	return e.Err
}

// IsAlreadyResolved reports whether err carries an AlreadyResolvedError.
func IsAlreadyResolved(err error) bool {
	var are *AlreadyResolvedError
	return errors.As(err, &are)
}
