package scram

import "fmt"

// Error is returned when a SCRAM step fails: a nonce mismatch, an
// out-of-order call, a server-reported or malformed server-final-message,
// or a failed proof/signature check. Client-first, server-first and
// client-final messages that fail to parse are reported as plain errors
// instead. Error intentionally carries no further detail than a short reason —
// callers that need to keep the wire from leaking *why* an authentication
// attempt failed should fold it into a single undifferentiated auth error
// rather than relaying Error.Error() verbatim.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "SCRAM: " + e.Reason
}

func errorf(format string, args ...any) error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}
