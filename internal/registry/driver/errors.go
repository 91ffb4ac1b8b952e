package driver

import (
	"errors"
	"fmt"
)

// Kind classifies a connection registry failure.
type Kind int

const (
	// KindUnknown is an unanticipated failure, usually from the external driver.
	KindUnknown Kind = iota
	// KindPermission means the caller lacks the admin role and the service group.
	KindPermission
	// KindUnreachableHost means the URL was well formed but the endpoint could not be contacted.
	KindUnreachableHost
	// KindProtocol means the URL was malformed or the driver reported a protocol failure.
	KindProtocol
	// KindNotFound means the connection id is not registered.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindPermission:
		return "permission"
	case KindUnreachableHost:
		return "unreachable_host"
	case KindProtocol:
		return "protocol_error"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown_error"
	}
}

// Error is the single error type surfaced by the connection registry and its drivers.
// Callers switch on Kind instead of matching concrete types.
type Error struct {
	Kind Kind
	// ID is the connection id involved, when there is one.
	ID  string
	Msg string
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Permission builds a KindPermission error with the authorization gate's reason.
func Permission(reason string) *Error {
	return &Error{Kind: KindPermission, Msg: reason}
}

// NotFound builds a KindNotFound error for a connection id.
func NotFound(id string) *Error {
	return &Error{Kind: KindNotFound, ID: id, Msg: fmt.Sprintf("connection not found: %s", id)}
}

// Unreachable wraps a failure to contact the endpoint.
func Unreachable(err error) *Error {
	return &Error{Kind: KindUnreachableHost, Msg: "host unreachable", Err: err}
}

// Protocol wraps a malformed URL or driver protocol failure.
func Protocol(err error) *Error {
	return &Error{Kind: KindProtocol, Msg: "protocol error", Err: err}
}

// Unknown wraps any failure that was not classified. The original message is preserved.
func Unknown(err error) *Error {
	return &Error{Kind: KindUnknown, Msg: "unexpected driver failure", Err: err}
}

// Classify returns err unchanged when it already carries a Kind, otherwise wraps it as KindUnknown.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return Unknown(err)
}
