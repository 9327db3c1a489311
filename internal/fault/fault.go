// Package fault defines the error taxonomy shared by the cache lifecycle
// components and the administrative HTTP surface. Component code wraps causes
// with a kind; the route layer maps kinds onto status codes.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure so callers can decide between rejecting, retrying
// later, or surfacing an outage.
type Kind int

const (
	// KindValidation marks malformed or out-of-range input. Never retried.
	KindValidation Kind = iota
	// KindNotFound marks a reference to an unknown alert, rule, or test id.
	KindNotFound
	// KindConflict marks an operation already in progress. Callers poll and
	// retry later rather than immediately.
	KindConflict
	// KindStoreUnavailable marks an unreachable backing cache store.
	KindStoreUnavailable
	// KindInternal marks everything unexpected.
	KindInternal
)

// Error couples a kind with a human-readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a fault of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds a fault with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind from err, defaulting to KindInternal for errors
// raised outside the taxonomy.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a fault kind onto the administrative API status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
