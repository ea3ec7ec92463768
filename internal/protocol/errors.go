package protocol

import (
	"errors"
	"fmt"
)

// Protocol violation reasons
var (
	ErrInvalidReply     = errors.New("invalid reply")
	ErrInvalidOperation = errors.New("invalid operation")
	ErrInvalidRequest   = errors.New("invalid request")
)

// ProtocolError reports a request or reply that does not follow the wire protocol.
// A reply that fails with ProtocolError is discarded as a whole.
type ProtocolError struct {
	Reason error
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%v: %s", e.Reason, e.Detail)
}

func (e *ProtocolError) Unwrap() error {
	return e.Reason
}

func invalidReply(format string, args ...any) error {
	return &ProtocolError{Reason: ErrInvalidReply, Detail: fmt.Sprintf(format, args...)}
}

func invalidOperation(format string, args ...any) error {
	return &ProtocolError{Reason: ErrInvalidOperation, Detail: fmt.Sprintf(format, args...)}
}

func invalidRequest(format string, args ...any) error {
	return &ProtocolError{Reason: ErrInvalidRequest, Detail: fmt.Sprintf(format, args...)}
}

// AdvisorError is an explicit error status returned by the advisor
type AdvisorError struct {
	Method  Method
	Message string
}

func (e *AdvisorError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("advisor error: %s", e.Message)
	}
	return fmt.Sprintf("advisor error on %s: %s", e.Method, e.Message)
}
