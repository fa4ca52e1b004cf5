// Package parallax structured error types for runtime failure reporting
package parallax

import (
	"fmt"
)

// ErrorKind represents categories of runtime errors
type ErrorKind int

const (
	// Allocation failures (host or device exhaustion)
	KindOutOfMemory ErrorKind = iota
	// Unknown, freed, or otherwise misused allocation handles
	KindInvalidHandle
	// Callable uses constructs outside the supported primitive set
	KindUnsupported
	// Lowering to the portable kernel format failed
	KindCompilation
	// Backend could not execute a dispatched kernel
	KindDispatch
	// Device dispatch exceeded its watchdog deadline
	KindTimeout
)

// Error represents a structured runtime error with context
type Error struct {
	Kind    ErrorKind
	Op      string // Operation that failed
	Message string // Human-readable message
	Err     error  // Underlying error if any
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parallax %s error in %s: %s (caused by: %v)",
			e.Kind.String(), e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("parallax %s error in %s: %s",
		e.Kind.String(), e.Op, e.Message)
}

// Unwrap allows error chain inspection
func (e *Error) Unwrap() error {
	return e.Err
}

// String returns the error kind as a string
func (k ErrorKind) String() string {
	switch k {
	case KindOutOfMemory:
		return "OutOfMemory"
	case KindInvalidHandle:
		return "InvalidHandle"
	case KindUnsupported:
		return "UnsupportedOperation"
	case KindCompilation:
		return "CompilationError"
	case KindDispatch:
		return "DeviceDispatchFailure"
	case KindTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// Common error constructors

// NewOutOfMemoryError creates an allocation failure error
func NewOutOfMemoryError(op string, message string, err error) error {
	return &Error{
		Kind:    KindOutOfMemory,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// NewInvalidHandleError creates a handle misuse error
func NewInvalidHandleError(op string, message string) error {
	return &Error{
		Kind:    KindInvalidHandle,
		Op:      op,
		Message: message,
	}
}

// NewUnsupportedError creates an error for a callable the compiler cannot
// lower. Dispatchers treat this as a signal to fall back to host execution,
// never as a failure of the algorithm call itself.
func NewUnsupportedError(op string, message string) error {
	return &Error{
		Kind:    KindUnsupported,
		Op:      op,
		Message: message,
	}
}

// NewCompilationError creates a kernel lowering error capturing the
// unsupported construct
func NewCompilationError(op string, message string, err error) error {
	return &Error{
		Kind:    KindCompilation,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// NewDispatchError creates a device execution error
func NewDispatchError(op string, message string, err error) error {
	return &Error{
		Kind:    KindDispatch,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// NewTimeoutError creates a fatal dispatch watchdog error
func NewTimeoutError(op string, message string) error {
	return &Error{
		Kind:    KindTimeout,
		Op:      op,
		Message: message,
	}
}

// Common pre-defined errors

var (
	// ErrInvalidSize indicates invalid size parameter
	ErrInvalidSize = NewInvalidHandleError("Alloc", "size must be positive")

	// ErrBufferInUse indicates a free while the reference count is nonzero
	ErrBufferInUse = NewInvalidHandleError("Free", "reference count is nonzero")
)

// errKind extracts the structured kind, or -1 for foreign errors
func errKind(err error) ErrorKind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ErrorKind(-1)
}

// IsOutOfMemory checks if an error is an allocation failure
func IsOutOfMemory(err error) bool {
	return errKind(err) == KindOutOfMemory
}

// IsInvalidHandle checks if an error is a handle misuse error
func IsInvalidHandle(err error) bool {
	return errKind(err) == KindInvalidHandle
}

// IsUnsupported checks if an error marks a callable as not offloadable
func IsUnsupported(err error) bool {
	return errKind(err) == KindUnsupported
}

// IsCompilation checks if an error is a kernel lowering failure
func IsCompilation(err error) bool {
	return errKind(err) == KindCompilation
}

// IsDispatchFailure checks if an error is a device execution failure
func IsDispatchFailure(err error) bool {
	return errKind(err) == KindDispatch
}

// IsTimeout checks if an error is a dispatch watchdog timeout
func IsTimeout(err error) bool {
	return errKind(err) == KindTimeout
}
