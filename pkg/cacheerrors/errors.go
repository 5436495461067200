// Package cacheerrors defines unified error types for cache operations.
// Lookup failures are never surfaced through these types; a failed read
// degrades to a miss. The taxonomy covers the paths that do return errors:
// construction, writes, and maintenance.
package cacheerrors

import (
	"errors"
	"fmt"
)

// Common error types as constants for consistency.
const (
	TypeConfig        = "config_error"
	TypeStore         = "store_error"
	TypeIndex         = "index_error"
	TypeSerialization = "serialization_error"
)

// CacheError represents a standardized error from a cache tier.
type CacheError struct {
	Type        string `json:"type"`
	Op          string `json:"op"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Message     string `json:"message"`
	Retryable   bool   `json:"-"`

	cause error
}

// Error implements the error interface.
func (e *CacheError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s %s: %v", e.Type, e.Op, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s %s", e.Type, e.Op, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As chains.
func (e *CacheError) Unwrap() error { return e.cause }

// ErrClosed is returned by operations on a closed cache manager.
var ErrClosed = errors.New("cache: manager is closed")

// ErrIndexInconsistent marks a similarity match whose fingerprint the entry
// store could not resolve. The store is the source of truth; callers treat
// this as a miss and prune the index record.
var ErrIndexInconsistent = errors.New("cache: similarity index references missing entry")

// NewConfigError creates a construction-time configuration error. These are
// the only fatal errors in the package: once a manager is built, config
// problems cannot occur.
func NewConfigError(field, message string) *CacheError {
	return &CacheError{
		Type:    TypeConfig,
		Op:      "configure",
		Message: fmt.Sprintf("%s: %s", field, message),
	}
}

// NewStoreError wraps a filesystem failure from the entry store. Store
// errors are retryable: the slot layout stays consistent because each slot
// is a single file replaced whole.
func NewStoreError(op string, fingerprint string, cause error) *CacheError {
	return &CacheError{
		Type:        TypeStore,
		Op:          op,
		Fingerprint: fingerprint,
		Message:     "entry store operation failed",
		Retryable:   true,
		cause:       cause,
	}
}

// NewSerializationError wraps an encode/decode failure for a payload or
// side index.
func NewSerializationError(op string, cause error) *CacheError {
	return &CacheError{
		Type:      TypeSerialization,
		Op:        op,
		Message:   "serialization failed",
		Retryable: false,
		cause:     cause,
	}
}

// NewIndexError wraps a similarity index persistence failure.
func NewIndexError(op string, cause error) *CacheError {
	return &CacheError{
		Type:      TypeIndex,
		Op:        op,
		Message:   "similarity index operation failed",
		Retryable: true,
		cause:     cause,
	}
}

// IsRetryable reports whether the error is a transient condition worth
// retrying, as opposed to a config or serialization defect.
func IsRetryable(err error) bool {
	var ce *CacheError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// IsConfig reports whether the error is a construction-time config error.
func IsConfig(err error) bool {
	var ce *CacheError
	if errors.As(err, &ce) {
		return ce.Type == TypeConfig
	}
	return false
}
