package domain

import (
	"strconv"
	"strings"
)

// Request bounds, matching what the admin and product endpoints accept.
const (
	MinBatchSize = 1
	MaxBatchSize = 1000
	MinLimit     = 1
	MaxLimit     = 50
)

// ValidateBatchSize checks a sync batch size against [MinBatchSize, MaxBatchSize].
func ValidateBatchSize(n int) error {
	if n < MinBatchSize || n > MaxBatchSize {
		return NewValidationError("batch_size", strconv.Itoa(n), ErrBatchSizeRange)
	}
	return nil
}

// ValidateLimit checks a top-k limit against [MinLimit, MaxLimit].
func ValidateLimit(n int) error {
	if n < MinLimit || n > MaxLimit {
		return NewValidationError("limit", strconv.Itoa(n), ErrLimitRange)
	}
	return nil
}

// ParseProductID parses an external product id into the catalog's int64 key.
func ParseProductID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, NewValidationError("product_id", s, ErrInvalidProductID)
	}
	return id, nil
}
