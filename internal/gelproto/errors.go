package gelproto

import (
	"fmt"
	"runtime/debug"
)

// ProtocolError is a well-formed error reply to send to the client,
// surfaced on the wire as an ErrorResponse.
type ProtocolError struct {
	Code    ErrorCode
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("gelproto: 0x%08x: %s", uint32(e.Code), e.Message)
}

func protoErrorf(code ErrorCode, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrInvalidState mirrors pgproto.ErrInvalidState: a programming error, not
// a wire-visible failure, so it captures a stack trace for diagnosis.
type ErrInvalidState struct {
	State string
	Input string
	Stack []byte
}

func (e *ErrInvalidState) Error() string {
	return fmt.Sprintf("gelproto: invalid input %s for state %s", e.Input, e.State)
}

func invalidState(state, input string) error {
	return &ErrInvalidState{State: state, Input: input, Stack: debug.Stack()}
}
