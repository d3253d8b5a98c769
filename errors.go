package callbridge

import (
	"errors"
	"fmt"
)

// ErrorKind classifies session failures.
type ErrorKind string

// Error kinds.
const (
	// KindConnection is a transient transport failure; retried up to the budget.
	KindConnection ErrorKind = "CONNECTION"
	// KindHandshakeTimeout means the agent never applied settings in time.
	KindHandshakeTimeout ErrorKind = "HANDSHAKE_TIMEOUT"
	// KindHandshake means the agent rejected the settings.
	KindHandshake ErrorKind = "HANDSHAKE"
	// KindProtocol is a malformed or unrecognized message.
	KindProtocol ErrorKind = "PROTOCOL"
	// KindFunctionExecution is a failed function handler.
	KindFunctionExecution ErrorKind = "FUNCTION_EXECUTION"
	// KindTranscode is an audio frame that could not be converted.
	KindTranscode ErrorKind = "TRANSCODE"
	// KindStreamTerminated means either leg closed.
	KindStreamTerminated ErrorKind = "STREAM_TERMINATED"
)

// Sentinel errors for errors.Is matching.
var (
	ErrConnection        = &Error{Kind: KindConnection}
	ErrHandshakeTimeout  = &Error{Kind: KindHandshakeTimeout}
	ErrHandshake         = &Error{Kind: KindHandshake}
	ErrProtocol          = &Error{Kind: KindProtocol}
	ErrFunctionExecution = &Error{Kind: KindFunctionExecution}
	ErrTranscode         = &Error{Kind: KindTranscode}
	ErrStreamTerminated  = &Error{Kind: KindStreamTerminated}
)

// Error is a classified error.
type Error struct {
	Kind   ErrorKind
	Op     string
	CallID string
	Err    error
}

// NewError creates an error of the given kind.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithCall tags the error with a call SID.
func (e *Error) WithCall(callID string) *Error {
	e.CallID = callID
	return e
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.CallID != "" {
		msg = fmt.Sprintf("%s (call %s)", msg, e.CallID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on kind so wrapped errors compare equal to the sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of err, or "" if err is not classified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
