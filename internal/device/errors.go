package device

import (
	"errors"
	"fmt"
)

// NotFoundError represents an error when a BLE resource is not found
type NotFoundError struct {
	Resource string   // "device", "service", "characteristic"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ErrorKind classifies every failure the session manager can surface.
type ErrorKind string

const (
	KindInvalidState          ErrorKind = "invalid_state"
	KindNotReady              ErrorKind = "not_ready"
	KindAdapter               ErrorKind = "adapter_error"
	KindTimeout               ErrorKind = "timeout"
	KindCancelledByDisconnect ErrorKind = "cancelled_by_disconnect"
	KindAlreadyScanning       ErrorKind = "already_scanning"
	KindCancelled             ErrorKind = "cancelled"
	KindUnsupported           ErrorKind = "unsupported"
	KindClosed                ErrorKind = "closed"
)

// Error is the typed outcome of a failed operation.
type Error struct {
	Kind ErrorKind
	Msg  string
	// Code is the platform-provided status for KindAdapter (ATT error, HCI reason,
	// GattStatus), 0 when unknown.
	Code int
	Err  error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	s := string(e.Kind)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Code != 0 {
		s += fmt.Sprintf(" (code 0x%02x)", e.Code)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap exposes the underlying platform error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors, one per kind
var (
	ErrInvalidState          = &Error{Kind: KindInvalidState}
	ErrNotReady              = &Error{Kind: KindNotReady}
	ErrAdapter               = &Error{Kind: KindAdapter}
	ErrTimeout               = &Error{Kind: KindTimeout}
	ErrCancelledByDisconnect = &Error{Kind: KindCancelledByDisconnect}
	ErrAlreadyScanning       = &Error{Kind: KindAlreadyScanning}
	ErrCancelled             = &Error{Kind: KindCancelled}
	ErrUnsupported           = &Error{Kind: KindUnsupported}
	ErrClosed                = &Error{Kind: KindClosed}
)

// NewError builds an Error of the given kind with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// InvalidState reports an operation attempted in a state that forbids it.
func InvalidState(op string, state State) *Error {
	return &Error{Kind: KindInvalidState, Msg: fmt.Sprintf("%s not allowed in state %s", op, state)}
}

// NotReady reports a GATT operation issued before the connection reached Ready.
func NotReady(id ID, state State) *Error {
	return &Error{Kind: KindNotReady, Msg: fmt.Sprintf("device %s is %s", id, state)}
}

// AdapterError wraps a platform failure with its platform-provided code.
// A nil err yields nil. An err that already carries a kind is returned as is.
func AdapterError(code int, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindAdapter, Code: code, Err: err}
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the platform code carried by err, 0 when none.
func CodeOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}
