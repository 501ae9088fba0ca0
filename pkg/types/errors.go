package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures at module boundaries. Kinds travel on the
// wire and into audit records; messages never contain secrets.
type ErrorKind string

const (
	KindValidation        ErrorKind = "VALIDATION"
	KindNotFound          ErrorKind = "NOT_FOUND"
	KindConflict          ErrorKind = "CONFLICT"
	KindAgentDisconnected ErrorKind = "AGENT_DISCONNECTED"
	KindCommandFailed     ErrorKind = "COMMAND_FAILED"
	KindProxyUpdateFailed ErrorKind = "PROXY_UPDATE_FAILED"
	KindPrivilegeDenied   ErrorKind = "PRIVILEGE_DENIED"
	KindBusy              ErrorKind = "BUSY"
	KindInternal          ErrorKind = "INTERNAL"
)

// Error is a kinded error surfaced across module boundaries.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a kinded error.
func E(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind of err, or KindInternal for unkinded errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
