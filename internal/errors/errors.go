// Package errors provides the Kind-tagged error type shared by every pfkit
// package, plus the sentinels callers match with Is.
package errors

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind defines the category of error.
type Kind int

const (
	KindUnknown Kind = iota
	KindInternal
	KindValidation
	KindNotFound
	KindPermission
	KindConflict
	KindUnavailable
	KindKernel
	KindInvalidTicket
	KindTruncated
	KindMalformed
	KindUnknownState
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindPermission:
		return "permission"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "unavailable"
	case KindKernel:
		return "kernel"
	case KindInvalidTicket:
		return "invalid_ticket"
	case KindTruncated:
		return "truncated"
	case KindMalformed:
		return "malformed"
	case KindUnknownState:
		return "unknown_state"
	default:
		return "unknown"
	}
}

// Error represents a structured error.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	Attributes map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// Sentinels for the pf error taxonomy. Wrap them to add context; match with Is.
var (
	ErrDeviceUnavailable   = New(KindUnavailable, "pf device unavailable")
	ErrPermissionDenied    = New(KindPermission, "permission denied")
	ErrInvalidTicket       = New(KindInvalidTicket, "invalid ticket")
	ErrTruncatedBuffer     = New(KindTruncated, "truncated buffer")
	ErrMalformedRecord     = New(KindMalformed, "malformed record")
	ErrUnknownTimeoutState = New(KindUnknownState, "unknown timeout state")
)

// KernelError is a request the kernel refused. Code is the raw errno; its
// meaning beyond that is best effort.
type KernelError struct {
	Request string
	Code    syscall.Errno
}

func (e *KernelError) Error() string {
	return fmt.Sprintf("kernel rejected %s: %v (errno %d)", e.Request, e.Code, int(e.Code))
}

// Unwrap exposes the errno so errors.Is(err, syscall.EEXIST) works.
func (e *KernelError) Unwrap() error {
	return e.Code
}

// Rejected builds a KindKernel error carrying the raw code.
func Rejected(request string, code syscall.Errno) error {
	return &Error{
		Kind:       KindKernel,
		Message:    request,
		Underlying: &KernelError{Request: request, Code: code},
	}
}

// KernelCode returns the errno of the first KernelError in err's chain.
func KernelCode(err error) (syscall.Errno, bool) {
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke.Code, true
	}
	return 0, false
}

// New creates a new Error of the specified kind.
func New(kind Kind, msg string) error {
	return &Error{
		Kind:    kind,
		Message: msg,
	}
}

// Errorf creates a new Error of the specified kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error as a new Error of the specified kind.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:       kind,
		Message:    msg,
		Underlying: err,
	}
}

// Wrapf wraps an existing error as a new Error of the specified kind with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:       kind,
		Message:    fmt.Sprintf(format, args...),
		Underlying: err,
	}
}

// Attr attaches an attribute to an error. If the error is not an *Error, it wraps it as KindInternal.
func Attr(err error, key string, val any) error {
	if err == nil {
		return nil
	}

	var e *Error
	if !errors.As(err, &e) {
		e = &Error{
			Kind:       KindInternal,
			Message:    err.Error(),
			Underlying: err,
		}
	}

	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}
	e.Attributes[key] = val
	return e
}

// GetKind returns the Kind of the outermost *Error in the chain, or KindUnknown.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// GetAttributes returns all attributes associated with the error and its chain.
func GetAttributes(err error) map[string]any {
	attrs := make(map[string]any)
	var e *Error

	tempErr := err
	for tempErr != nil {
		if !errors.As(tempErr, &e) {
			break
		}
		for k, v := range e.Attributes {
			if _, ok := attrs[k]; !ok {
				attrs[k] = v
			}
		}
		tempErr = e.Underlying
	}

	return attrs
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Join wraps the given errors; nil errors are discarded.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
