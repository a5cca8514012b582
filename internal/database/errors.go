package database

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNotFound signals a missing entity.
	ErrNotFound = errors.New("not found")
	// ErrValidationFailed signals an out-of-bounds threshold, cardinality or transition.
	ErrValidationFailed = errors.New("validation failed")
	// ErrConflict signals a revision mismatch on a concurrently mutated row.
	ErrConflict = errors.New("changed concurrently, retry")
	// ErrExternalStoreUnavailable signals a failed embedding index call.
	ErrExternalStoreUnavailable = errors.New("external store unavailable")
	// ErrInsufficientData signals too few faces or embeddings to proceed.
	// Operations report it as a typed empty result rather than returning it.
	ErrInsufficientData = errors.New("insufficient data")
)

// ConflictError wraps ErrConflict with the row that changed.
type ConflictError struct {
	Entity           string
	ID               uuid.UUID
	ExpectedRevision int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: %s (expected revision %d)", e.Entity, e.ID, ErrConflict.Error(), e.ExpectedRevision)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// NewConflict creates a conflict error for entity/id.
func NewConflict(entity string, id uuid.UUID, expectedRevision int64) error {
	return &ConflictError{Entity: entity, ID: id, ExpectedRevision: expectedRevision}
}

// NotFoundError wraps ErrNotFound with the missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Entity, e.ID, ErrNotFound.Error())
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NewNotFound creates a not-found error for entity/id.
func NewNotFound(entity string, id uuid.UUID) error {
	return &NotFoundError{Entity: entity, ID: id.String()}
}

// ValidationError wraps ErrValidationFailed with the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrValidationFailed.Error(), e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

// Index operation names used in IndexError.
const (
	OpUpsert        = "upsert"
	OpSearch        = "search"
	OpRetrieve      = "retrieve"
	OpGet           = "get"
	OpSetPayload    = "set_payload"
	OpDeletePayload = "delete_payload"
	OpDelete        = "delete"
	OpCount         = "count"
)

// IndexError is returned by every embedding index backend on failure.
// It matches both ErrExternalStoreUnavailable and its cause.
type IndexError struct {
	Op  string
	Err error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("embedding index %s: %v", e.Op, e.Err)
}

func (e *IndexError) Unwrap() []error {
	return []error{ErrExternalStoreUnavailable, e.Err}
}

// IsConflict reports whether err is a revision conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsUnavailable reports whether err came from an unreachable embedding index.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrExternalStoreUnavailable)
}
