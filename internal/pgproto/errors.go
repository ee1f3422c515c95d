package pgproto

import (
	"fmt"
	"runtime/debug"
)

// ProtocolError is a well-formed error reply to send to the client: an
// SQLSTATE code plus a human-readable message, surfaced on the wire as an
// ErrorResponse.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("pgproto: %s: %s", e.Code, e.Message)
}

func protoErrorf(code, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrInvalidState indicates a programming error: the driver fed an input
// that the current state could never legally receive (e.g. a Ready drive
// before AuthInfo). It captures a stack trace at construction time since,
// unlike ProtocolError, it should never reach a client and needs enough
// context for a developer to find the caller that misused the state
// machine.
type ErrInvalidState struct {
	State string
	Input string
	Stack []byte
}

func (e *ErrInvalidState) Error() string {
	return fmt.Sprintf("pgproto: invalid input %s for state %s", e.Input, e.State)
}

func invalidState(state, input string) error {
	return &ErrInvalidState{State: state, Input: input, Stack: debug.Stack()}
}
