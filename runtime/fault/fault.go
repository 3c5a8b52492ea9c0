// Package fault defines the error taxonomy shared by the ingestion,
// processing, annotation and packaging subsystems. Errors are structured so
// callers can classify failures (and an API layer can map them to status
// codes) without string matching.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure into one of the platform's coarse categories.
type Kind string

const (
	// KindAccessDenied indicates an infospace access check failed.
	KindAccessDenied Kind = "access_denied"

	// KindNotFound indicates an entity lookup failed.
	KindNotFound Kind = "not_found"

	// KindValidation indicates malformed input: an invalid schema, missing
	// required configuration or an unparseable file. No partial state is
	// persisted for validation failures.
	KindValidation Kind = "validation"

	// KindProcessing indicates a processor failed mid-asset. Children already
	// saved are kept; the parent is marked failed.
	KindProcessing Kind = "processing"

	// KindProvider indicates an external provider (LM, search, geocoding,
	// scraping) call failed.
	KindProvider Kind = "provider"

	// KindInvalidTransition indicates an illegal run status transition.
	KindInvalidTransition Kind = "invalid_status_transition"
)

// Error is a classified platform error. The message is user visible and must
// not carry provider stack traces.
type Error struct {
	kind    Kind
	message string
	cause   error
}

// New constructs a classified error.
func New(kind Kind, message string) *Error {
	return &Error{kind: kind, message: message}
}

// Newf constructs a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a classified error that preserves the original cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{kind: kind, message: message, cause: cause}
}

// Kind returns the error classification.
func (e *Error) Kind() Kind { return e.kind }

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// AccessDenied builds an access-denied error for the given infospace.
func AccessDenied(infospaceID int64, userID int64) *Error {
	return Newf(KindAccessDenied, "user %d cannot access infospace %d", userID, infospaceID)
}

// NotFound builds a not-found error for an entity.
func NotFound(entity string, id any) *Error {
	return Newf(KindNotFound, "%s %v not found", entity, id)
}

// Validation builds a validation error.
func Validation(format string, args ...any) *Error {
	return Newf(KindValidation, format, args...)
}

// Processing builds a processing error.
func Processing(format string, args ...any) *Error {
	return Newf(KindProcessing, format, args...)
}

// Provider builds a provider error naming the failed provider.
func Provider(provider string, cause error) *Error {
	return Wrap(KindProvider, provider, cause)
}

// InvalidTransition builds an illegal status transition error.
func InvalidTransition(from, to string) *Error {
	return Newf(KindInvalidTransition, "cannot transition from %s to %s", from, to)
}

// IsKind reports whether err (or anything it wraps) is a fault of the given
// kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind == kind
	}
	return false
}

// As returns the first fault.Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// BulkError accumulates per-item failures from a bulk operation. The
// surrounding transaction commits successful items; failed ones are reported
// with their reasons.
type BulkError struct {
	// Succeeded lists the ids of items that completed.
	Succeeded []int64
	// Failed maps item descriptors to the reason they were skipped.
	Failed map[string]string
}

// NewBulkError returns an empty accumulator.
func NewBulkError() *BulkError {
	return &BulkError{Failed: make(map[string]string)}
}

// RecordSuccess appends a completed item id.
func (b *BulkError) RecordSuccess(id int64) { b.Succeeded = append(b.Succeeded, id) }

// RecordFailure records a skipped item with its reason.
func (b *BulkError) RecordFailure(item string, reason string) { b.Failed[item] = reason }

// HasFailures reports whether any item failed.
func (b *BulkError) HasFailures() bool { return len(b.Failed) > 0 }

func (b *BulkError) Error() string {
	return fmt.Sprintf("bulk operation: %d succeeded, %d failed", len(b.Succeeded), len(b.Failed))
}

// OrNil returns b as an error when it carries failures and nil otherwise.
func (b *BulkError) OrNil() error {
	if b.HasFailures() {
		return b
	}
	return nil
}
