// Package errdomain implements the error taxonomy from the error handling
// design: a closed set of kinds with a canonical mapping to HTTP status,
// carried through the pipeline as a structured, wrapped error.
package errdomain

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the ten canonical error kinds. It is a closed set: callers
// construct an Error through the kind-specific constructors below, never by
// setting Kind directly on a zero-value Error.
type Kind string

const (
	KindInvalidInput         Kind = "InvalidInput"
	KindUnauthorized         Kind = "Unauthorized"
	KindForbidden            Kind = "Forbidden"
	KindNotFound             Kind = "NotFound"
	KindConflict             Kind = "Conflict"
	KindTooManyRequests      Kind = "TooManyRequests"
	KindUpstreamUnavailable  Kind = "UpstreamUnavailable"
	KindTimeout              Kind = "Timeout"
	KindCancelled            Kind = "Cancelled"
	KindInternal             Kind = "Internal"
)

// statusByKind is the canonical kind->status mapping from the error
// handling design. Anything not in this table renders as 500.
var statusByKind = map[Kind]int{
	KindInvalidInput:        http.StatusBadRequest,
	KindUnauthorized:        http.StatusUnauthorized,
	KindForbidden:           http.StatusForbidden,
	KindNotFound:            http.StatusNotFound,
	KindConflict:            http.StatusConflict,
	KindTooManyRequests:     http.StatusTooManyRequests,
	KindUpstreamUnavailable: http.StatusBadGateway,
	KindTimeout:             http.StatusGatewayTimeout,
	KindCancelled:           http.StatusInternalServerError,
	KindInternal:            http.StatusInternalServerError,
}

// Error is the structured error every Fail decision, effect failure, and
// coordinator-level failure carries. What and Key are the §7 "context"
// fields (e.g. What="slot", Key="TodoItem").
type Error struct {
	Kind Kind
	What string
	Key  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s=%s: %v", e.Kind, e.What, e.Key, e.Err)
	}
	return fmt.Sprintf("[%s] %s=%s", e.Kind, e.What, e.Key)
}

// Unwrap returns the underlying error for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the canonical status for the error's kind.
func (e *Error) HTTPStatus() int {
	if status, ok := statusByKind[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// New builds an Error of the given kind with no wrapped cause.
func New(kind Kind, what, key string) *Error {
	return &Error{Kind: kind, What: what, Key: key}
}

// Wrap builds an Error of the given kind wrapping a lower-level cause.
func Wrap(kind Kind, what, key string, err error) *Error {
	return &Error{Kind: kind, What: what, Key: key, Err: err}
}

// Constructors for each kind, mirroring the shape the rest of the engine
// reaches for most often.

func InvalidInput(what, key string) *Error { return New(KindInvalidInput, what, key) }
func Unauthorized(what, key string) *Error { return New(KindUnauthorized, what, key) }
func Forbidden(what, key string) *Error    { return New(KindForbidden, what, key) }
func NotFound(what, key string) *Error     { return New(KindNotFound, what, key) }
func Conflict(what, key string) *Error     { return New(KindConflict, what, key) }

func TooManyRequests(what, key string) *Error {
	return New(KindTooManyRequests, what, key)
}

func UpstreamUnavailable(what, key string, err error) *Error {
	return Wrap(KindUpstreamUnavailable, what, key, err)
}

func Timeout(what, key string) *Error { return New(KindTimeout, what, key) }

func Cancelled(what, key string) *Error { return New(KindCancelled, what, key) }

func Internal(what, key string, err error) *Error {
	return Wrap(KindInternal, what, key, err)
}

// SlotMissing is the boundary error from §8: reading a never-written
// required slot fails the pipeline with InvalidInput{what="slot", key=name}.
func SlotMissing(slotName string) *Error {
	return InvalidInput("slot", slotName)
}

// DuplicateWrite is raised by the slot store when a second write targets a
// slot that did not opt into multi-write.
func DuplicateWrite(slotName string) *Error {
	return Internal("slot", slotName, fmt.Errorf("slot %q already written", slotName))
}

// As extracts an *Error from an error chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// HTTPStatus returns the canonical status for any error, defaulting to 500
// when the error does not carry a Kind.
func HTTPStatus(err error) int {
	if e, ok := As(err); ok {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}
