// Package blercuerror implements the daemon's closed error-code taxonomy.
//
// Every async operation exposed by a service sub-machine completes its
// Promise with either nil or a *Error drawn from this set -- never a raw
// error from the adapter or GATT layer. This keeps the IPC surface and the
// orchestrator's recovery logic independent of whatever error strings the
// underlying Bluetooth stack happens to produce.
package blercuerror

import "fmt"

// Code is one member of the closed error taxonomy.
type Code int

const (
	NoError Code = iota
	General
	Rejected
	Busy
	IoDevice
	InvalidArg
	FileNotFound
	BadFormat
	InvalidHardware
	NotImplemented
	TimedOut
)

func (c Code) String() string {
	switch c {
	case NoError:
		return "NoError"
	case General:
		return "General"
	case Rejected:
		return "Rejected"
	case Busy:
		return "Busy"
	case IoDevice:
		return "IoDevice"
	case InvalidArg:
		return "InvalidArg"
	case FileNotFound:
		return "FileNotFound"
	case BadFormat:
		return "BadFormat"
	case InvalidHardware:
		return "InvalidHardware"
	case NotImplemented:
		return "NotImplemented"
	case TimedOut:
		return "TimedOut"
	default:
		return "Unknown"
	}
}

// Error is the free-form-message error value carried out of the core.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is lets errors.Is match by Code alone, ignoring Message, mirroring
// internal/device.ConnectionError.Is from the teacher.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New builds an *Error with a formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap produces a General error carrying cause's message, used when an
// adapter/GATT error needs to cross into the closed taxonomy without a more
// specific code applying.
func Wrap(cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Code: General, Message: cause.Error()}
}

// Sentinels for errors.Is comparisons against a bare code, e.g.
// errors.Is(err, blercuerror.ErrBusy).
var (
	ErrGeneral         = &Error{Code: General}
	ErrRejected        = &Error{Code: Rejected}
	ErrBusy            = &Error{Code: Busy}
	ErrIoDevice        = &Error{Code: IoDevice}
	ErrInvalidArg      = &Error{Code: InvalidArg}
	ErrFileNotFound    = &Error{Code: FileNotFound}
	ErrBadFormat       = &Error{Code: BadFormat}
	ErrInvalidHardware = &Error{Code: InvalidHardware}
	ErrNotImplemented  = &Error{Code: NotImplemented}
	ErrTimedOut        = &Error{Code: TimedOut}
)
