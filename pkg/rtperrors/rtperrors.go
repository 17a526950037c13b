// Package rtperrors defines the error kinds used across the session
// engine (spec.md section 7). Every exported error is a small struct
// implementing the error interface, in the shape of the teacher's
// pkg/liberrors, but grouped by kind instead of by call site so that
// callers can branch on errors.As/errors.Is against one of the five
// kinds regardless of which component raised it.
package rtperrors

import "fmt"

// Kind identifies one of the five exhaustive error categories.
type Kind int

const (
	// KindInvalidParameter: caller supplied a value out of domain.
	KindInvalidParameter Kind = iota
	// KindInvalidState: operation attempted in the wrong lifecycle state.
	KindInvalidState
	// KindResourceError: allocation failure, buffer too small, size limit exceeded.
	KindResourceError
	// KindOperationFailed: transport/OS call failed, feature not supported.
	KindOperationFailed
	// KindProtocolError: malformed RTP/RTCP bytes, or internal failure to
	// make progress within a size budget.
	KindProtocolError
)

func (k Kind) String() string {
	switch k {
	case KindInvalidParameter:
		return "InvalidParameter"
	case KindInvalidState:
		return "InvalidState"
	case KindResourceError:
		return "ResourceError"
	case KindOperationFailed:
		return "OperationFailed"
	case KindProtocolError:
		return "ProtocolError"
	default:
		return "Unknown"
	}
}

// Error is the single error type raised by this module. Component and
// Detail are free-form context; Kind is what callers should switch on.
type Error struct {
	Kind      Kind
	Component string
	Detail    string
	Err       error // optional wrapped cause
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Component, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Component, e.Detail)
}

// Unwrap exposes the wrapped cause, if any, for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Kind, so
// errors.Is(err, rtperrors.Sentinel(KindProtocolError)) works without
// callers needing to know which component raised it.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Component != "" && t.Component != e.Component {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an Error of the given kind.
func New(kind Kind, component, detail string) *Error {
	return &Error{Kind: kind, Component: component, Detail: detail}
}

// Wrap constructs an Error of the given kind, wrapping an underlying cause.
func Wrap(kind Kind, component, detail string, err error) *Error {
	return &Error{Kind: kind, Component: component, Detail: detail, Err: err}
}

// Sentinel returns a comparison target for errors.Is that matches any
// *Error of the given kind, regardless of component or detail.
func Sentinel(kind Kind) error {
	return &Error{Kind: kind}
}

// InvalidParameter constructs a KindInvalidParameter error.
func InvalidParameter(component, detail string) *Error {
	return New(KindInvalidParameter, component, detail)
}

// InvalidState constructs a KindInvalidState error.
func InvalidState(component, detail string) *Error {
	return New(KindInvalidState, component, detail)
}

// ResourceError constructs a KindResourceError error.
func ResourceError(component, detail string) *Error {
	return New(KindResourceError, component, detail)
}

// OperationFailed constructs a KindOperationFailed error, wrapping cause.
func OperationFailed(component, detail string, cause error) *Error {
	return Wrap(KindOperationFailed, component, detail, cause)
}

// ProtocolError constructs a KindProtocolError error.
func ProtocolError(component, detail string) *Error {
	return New(KindProtocolError, component, detail)
}

// ProtocolErrorWrap constructs a KindProtocolError error, wrapping cause.
func ProtocolErrorWrap(component, detail string, cause error) *Error {
	return Wrap(KindProtocolError, component, detail, cause)
}
