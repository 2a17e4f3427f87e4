package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors. Handlers map these onto HTTP status codes; everything else
// is treated as an internal failure.
var (
	ErrNotFound       = errors.New("product not indexed")
	ErrSyncInProgress = errors.New("sync already in progress")

	ErrBatchSizeRange   = errors.New("batch size out of range")
	ErrLimitRange       = errors.New("limit out of range")
	ErrInvalidProductID = errors.New("invalid product id")
)

// ValidationError wraps a sentinel with the offending field and value.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
