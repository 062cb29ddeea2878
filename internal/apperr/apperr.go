// Package apperr classifies failures into the small set of kinds callers act on.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the category a failure belongs to.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindTransient      Kind = "transient"
	KindUserCancelled  Kind = "user_cancelled"
	KindTerminalPolicy Kind = "terminal_policy"
	KindUnknown        Kind = "unknown"
)

// Error is a classified failure. Two errors match under errors.Is when their codes match,
// so a sentinel keeps matching after Wrap attaches a cause.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}

	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Code == e.Code
}

// Wrap returns a copy of sentinel carrying cause.
func Wrap(sentinel *Error, cause error) error {
	return &Error{
		Kind:    sentinel.Kind,
		Code:    sentinel.Code,
		Message: sentinel.Message,
		Err:     cause,
	}
}

// KindOf reports the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	return KindUnknown
}

// CodeOf returns the code of the outermost classified error, or "" if there is none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	return ""
}

// Retriable reports whether the operation that produced err may be attempted again.
func Retriable(err error) bool {
	return KindOf(err) == KindTransient
}

// Shared transport failures. The network client maps every failed round trip onto one of these.
var (
	ErrNetwork           = New(KindTransient, "network", "network error")
	ErrTimeout           = New(KindTransient, "timeout", "request timed out")
	ErrServerUnavailable = New(KindTransient, "server_unavailable", "server unavailable")
	ErrServerRejected    = New(KindValidation, "server_rejected", "request rejected by server")
	ErrUnknown           = New(KindUnknown, "unknown", "unknown error")
)
