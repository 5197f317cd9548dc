package model

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when a terminal session is not known to a host.
	ErrSessionNotFound = errors.New("session not found")

	// ErrCommandRequired is returned when a terminal has no shell command.
	ErrCommandRequired = errors.New("command is required")

	// ErrHostNotConnected is returned when no live host link exists for a host.
	ErrHostNotConnected = errors.New("host not connected")

	// ErrTimeout is returned when a worker task or proxy request misses its deadline.
	ErrTimeout = errors.New("deadline exceeded")

	// ErrInvalidPath is returned for malformed host/session paths.
	ErrInvalidPath = errors.New("invalid terminal path")

	// ErrUnauthorized is returned when credentials are missing or wrong.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when an identity lacks the rights for an action.
	ErrForbidden = errors.New("forbidden")

	// ErrConcurrencyLimit is returned when the maximum number of terminals is reached.
	ErrConcurrencyLimit = errors.New("terminal limit exceeded")

	// ErrRecursion is returned when one auth session watches a path too many times.
	ErrRecursion = errors.New("max recursion level exceeded")
)

// ErrorKind classifies request handling failures.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindAuthFailure
	KindAuthorizationDenied
	KindProtocol
	KindRouting
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthFailure:
		return "auth_failure"
	case KindAuthorizationDenied:
		return "authorization_denied"
	case KindProtocol:
		return "protocol"
	case KindRouting:
		return "routing"
	case KindTimeout:
		return "timeout"
	default:
		return "internal"
	}
}

// Error is a classified error. Msg is safe to show to the client.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error with a formatted client message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError classifies err under kind.
func WrapError(kind ErrorKind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf reports the kind of err. Unclassified errors are internal, except
// for the sentinels with an obvious kind.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrHostNotConnected), errors.Is(err, ErrSessionNotFound):
		return KindRouting
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrUnauthorized):
		return KindAuthFailure
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrRecursion), errors.Is(err, ErrConcurrencyLimit):
		return KindAuthorizationDenied
	case errors.Is(err, ErrInvalidPath):
		return KindProtocol
	}
	return KindInternal
}

// UserMessage returns the client-facing text for err.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return err.Error()
}
