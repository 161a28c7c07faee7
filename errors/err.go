// Package errors defines the engine's closed set of error kinds (spec.md §7)
// and a small typed error carrying one of them plus the failing op and,
// where applicable, the originating errno.
package errors

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind is one of the error kinds enumerated in spec.md §7.
type Kind int

const (
	Success Kind = iota
	Unknown
	InvalidValue
	InvalidProperty
	InvalidData
	InvalidState
	NotSupported
	Permission
	ResourceNotAvailable
	ContainerAlreadyExists
	ContainerDoesNotExist
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "Success"
	case Unknown:
		return "Unknown"
	case InvalidValue:
		return "InvalidValue"
	case InvalidProperty:
		return "InvalidProperty"
	case InvalidData:
		return "InvalidData"
	case InvalidState:
		return "InvalidState"
	case NotSupported:
		return "NotSupported"
	case Permission:
		return "Permission"
	case ResourceNotAvailable:
		return "ResourceNotAvailable"
	case ContainerAlreadyExists:
		return "ContainerAlreadyExists"
	case ContainerDoesNotExist:
		return "ContainerDoesNotExist"
	default:
		return "Unknown"
	}
}

// Error is the engine's single user-visible error type: a kind, a message,
// the operation site, and (for kernel-originated failures) an errno.
type Error struct {
	Kind   Kind
	Op     string
	Msg    string
	Errno  int
	Tolerated bool
}

func (e *Error) Error() string {
	if e.Errno != 0 {
		return fmt.Sprintf("%s: %s: %s (errno %d)", e.Op, e.Kind, e.Msg, e.Errno)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
}

// New builds an Error for op with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// FromErrno wraps a kernel-originating errno into a tagged Error, classifying
// it at the call site (fatal unless marked Tolerated by the caller).
func FromErrno(kind Kind, op string, errno int, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: err.Error(), Errno: errno}
}

// WithTolerated marks an error as tolerated (log-and-continue) rather than
// fatal. No package in this module calls it.
func (e *Error) WithTolerated() *Error {
	e.Tolerated = true
	return e
}

// Wrap adds op context to an arbitrary error without discarding an existing
// *Error's kind.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*Error); ok {
		return pe
	}
	return pkgerrors.WithMessage(err, op)
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	pe, ok := err.(*Error)
	return ok && pe.Kind == kind
}

// Predefined errors for the common not-found/already-exists cases, mirroring
// the teacher's table of pre-built sentinel values.
var (
	ErrEmptyName          = New(InvalidValue, "name", "container name is empty")
	ErrContainerNotFound  = New(ContainerDoesNotExist, "lookup", "container not found")
	ErrAlreadyExists      = New(ContainerAlreadyExists, "create", "container already exists")
	ErrSandboxDown        = New(InvalidState, "state", "parent container is not running")
)
