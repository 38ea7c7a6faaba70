// Package apperr classifies engine failures into a small taxonomy and
// carries enough context to let callers decide whether to retry, fall
// back, or surface the failure.
package apperr

import (
	"errors"
	"fmt"
)

// Kind categorizes an error for propagation-policy purposes.
type Kind int

const (
	// Unknown is the zero value; never returned deliberately.
	Unknown Kind = iota

	// NotFound means a view definition or other named resource is absent.
	NotFound

	// InvalidInput means a malformed view definition, duplicate column
	// name, or unsupported filter value type.
	InvalidInput

	// NotMaterialized means the target materialized view is missing;
	// recoverable by falling back to the relational runner.
	NotMaterialized

	// Transient means pool exhaustion, query cancellation, or a
	// recent-writes cache timeout.
	Transient

	// IntegrityFailure means the validator found orphans or mismatches.
	IntegrityFailure

	// Fatal means the document store is unreachable or its schema is
	// missing.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case InvalidInput:
		return "invalid_input"
	case NotMaterialized:
		return "not_materialized"
	case Transient:
		return "transient"
	case IntegrityFailure:
		return "integrity_failure"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind and the operation that
// produced it, matching the "tagged result variant" design note: the
// Serving Layer matches on Kind rather than on the engine raising an
// exception.
type Error struct {
	Kind Kind
	Op   string
	View string
	Err  error
}

func (e *Error) Error() string {
	if e.View != "" {
		return fmt.Sprintf("%s: %s (view=%s): %v", e.Op, e.Kind, e.View, e.Err)
	}

	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an *Error for op, wrapping err under kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// NewForView is New with a view name attached, used by runners that
// need to report which view triggered the failure.
func NewForView(kind Kind, op, view string, err error) *Error {
	return &Error{Kind: kind, Op: op, View: view, Err: err}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; otherwise returns Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return Unknown
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
