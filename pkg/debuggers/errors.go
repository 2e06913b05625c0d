package debuggers

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrTargetExited is returned (or signalled through StateSink.TargetExited)
	// by a debugger when the debuggee is gone. The controller answers it with an
	// implicit Stop.
	ErrTargetExited = errors.New("target exited")

	ErrNoSession       = errors.New("no debug session")
	ErrSessionExists   = errors.New("debug session already running")
	ErrExecuting       = errors.New("target is executing")
	ErrNotExecuting    = errors.New("target is not executing")
	ErrUnknownLanguage = errors.New("no debugger registered for language")
	ErrNoState         = errors.New("no state available")
	ErrUnknownWatch    = errors.New("no such watch")
	ErrDuplicateWatch  = errors.New("expression is already watched")

	// ErrBusy is returned by debuggers whose wire protocol allows a single
	// request in flight when another one has not completed yet.
	ErrBusy = errors.New("a debugger request is already in flight")
)

// StartFailure means the backend could not be launched or connected to.
// Timeout is set when the failure was an accept/connect timeout.
type StartFailure struct {
	Language string
	Timeout  bool
	Err      error
}

func (e *StartFailure) Error() string {
	if e.Timeout {
		return fmt.Sprintf("could not start %s debugger: timed out: %v", e.Language, e.Err)
	}
	return fmt.Sprintf("could not start %s debugger: %v", e.Language, e.Err)
}

func (e *StartFailure) Unwrap() error { return e.Err }
func (e *StartFailure) Cause() error  { return e.Err }

// ProtocolError is a malformed or error tagged reply from a backend during an
// established session.
type ProtocolError struct {
	Op  string
	Msg string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

// NewProtocolError builds a ProtocolError with a formatted message.
func NewProtocolError(op, format string, args ...interface{}) error {
	return &ProtocolError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// InvalidOperation is returned by the controller, before any backend call, when
// the requested operation is not allowed in the current state.
type InvalidOperation struct {
	Op     string
	Reason error
}

func (e *InvalidOperation) Error() string {
	return fmt.Sprintf("cannot %s: %v", e.Op, e.Reason)
}

func (e *InvalidOperation) Unwrap() error { return e.Reason }
func (e *InvalidOperation) Cause() error  { return e.Reason }

func invalid(op string, reason error) error {
	return &InvalidOperation{Op: op, Reason: reason}
}

// IsStartFailure reports whether err is (or wraps) a StartFailure.
func IsStartFailure(err error) bool {
	var sf *StartFailure
	return errors.As(err, &sf)
}

// IsInvalidOperation reports whether err is (or wraps) an InvalidOperation.
func IsInvalidOperation(err error) bool {
	var io *InvalidOperation
	return errors.As(err, &io)
}

// IsProtocolError reports whether err is (or wraps) a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
