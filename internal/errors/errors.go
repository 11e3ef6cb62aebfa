// Package errors provides the error taxonomy for the catalog.
//
// This package defines:
// - Wire error codes for the API layer
// - Sentinel errors for all catalog error conditions
// - Error category checking functions
// - Error wrapping utilities and contextual constructors
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Wire error codes
// ============================================================================

const (
	CodeUnknown            int32 = 1
	CodeInvalidRequest     int32 = 2
	CodeNotFound           int32 = 3
	CodeConflict           int32 = 4
	CodeIntegrityViolation int32 = 5
	CodeFormatUndetected   int32 = 6
	CodeBackendUnavailable int32 = 7
	CodeInternal           int32 = 8
)

// CodeName returns a human-readable name for an error code.
func CodeName(code int32) string {
	switch code {
	case CodeUnknown:
		return "Unknown"
	case CodeInvalidRequest:
		return "InvalidRequest"
	case CodeNotFound:
		return "NotFound"
	case CodeConflict:
		return "Conflict"
	case CodeIntegrityViolation:
		return "IntegrityViolation"
	case CodeFormatUndetected:
		return "FormatUndetected"
	case CodeBackendUnavailable:
		return "BackendUnavailable"
	case CodeInternal:
		return "Internal"
	default:
		return fmt.Sprintf("Code(%d)", code)
	}
}

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Not found errors
	ErrNotFound           = errors.New("not found")
	ErrNodeNotFound       = errors.New("node not found")
	ErrDataSourceNotFound = errors.New("data source not found")
	ErrStructureNotFound  = errors.New("structure not found")
	ErrAssetNotFound      = errors.New("asset not found")
	ErrRevisionNotFound   = errors.New("revision not found")

	// Conflict errors
	ErrConflict       = errors.New("conflict")
	ErrKeyExists      = errors.New("sibling key already exists")
	ErrAssetOwnership = errors.New("asset already owned under a different management mode")

	// Integrity errors
	ErrIntegrityViolation = errors.New("integrity violation")
	ErrNotEmpty           = errors.New("node has children")
	ErrInUse              = errors.New("in use")
	ErrOrphanedAsset      = errors.New("operation would orphan an asset")
	ErrFamilyMismatch     = errors.New("structure family mismatch")
	ErrIncompatibleSchema = errors.New("incompatible catalog schema version")

	// Validation errors
	ErrInvalidKey       = errors.New("invalid key")
	ErrInvalidFamily    = errors.New("invalid structure family")
	ErrInvalidStructure = errors.New("invalid structure body")
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrMissingField     = errors.New("missing required field")

	// Registration errors
	ErrFormatUndetected = errors.New("format could not be detected")
	ErrNoCapability     = errors.New("no capability registered for mimetype")
	ErrReadOnlySource   = errors.New("data source is not writable")

	// Backend errors
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrInternal           = errors.New("internal error")
)

// ============================================================================
// Category checks
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrNodeNotFound) ||
		errors.Is(err, ErrDataSourceNotFound) ||
		errors.Is(err, ErrStructureNotFound) ||
		errors.Is(err, ErrAssetNotFound) ||
		errors.Is(err, ErrRevisionNotFound)
}

// IsConflict returns true if err is a uniqueness or idempotency violation.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrKeyExists) ||
		errors.Is(err, ErrAssetOwnership)
}

// IsIntegrityViolation returns true if err would break referential integrity
// or an ordering invariant.
func IsIntegrityViolation(err error) bool {
	return errors.Is(err, ErrIntegrityViolation) ||
		errors.Is(err, ErrNotEmpty) ||
		errors.Is(err, ErrInUse) ||
		errors.Is(err, ErrOrphanedAsset) ||
		errors.Is(err, ErrFamilyMismatch) ||
		errors.Is(err, ErrIncompatibleSchema)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidKey) ||
		errors.Is(err, ErrInvalidFamily) ||
		errors.Is(err, ErrInvalidStructure) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField)
}

// IsFormatUndetected returns true if err means a path could not be
// classified. Non-fatal during a walk: the entry is recorded as Skipped.
func IsFormatUndetected(err error) bool {
	return errors.Is(err, ErrFormatUndetected) ||
		errors.Is(err, ErrNoCapability)
}

// IsRetriable returns true if the error is potentially retriable by the
// caller. The catalog itself never retries.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}

// ============================================================================
// Error to wire code mapping
// ============================================================================

// ErrorToCode maps a sentinel error to its wire code.
func ErrorToCode(err error) int32 {
	if err == nil {
		return CodeUnknown
	}

	switch {
	case IsNotFound(err):
		return CodeNotFound
	case IsConflict(err):
		return CodeConflict
	case IsIntegrityViolation(err):
		return CodeIntegrityViolation
	case IsValidation(err):
		return CodeInvalidRequest
	case IsFormatUndetected(err):
		return CodeFormatUndetected
	case Is(err, ErrBackendUnavailable):
		return CodeBackendUnavailable
	default:
		return CodeInternal
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Contextual constructors
// ============================================================================

// NewNotFound creates a not-found error with context.
func NewNotFound(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrNotFound)
}

// NewConflict creates a conflict error with context.
func NewConflict(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrConflict)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}
