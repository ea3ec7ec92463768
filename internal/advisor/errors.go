package advisor

import (
	"errors"
	"fmt"
)

// ErrLinkDown is the cause reported by exchanges attempted after the link was lost
var ErrLinkDown = errors.New("advisor link is down")

// ErrLineTooLong is the cause reported when a reply exceeds Options.MaxLineBytes
var ErrLineTooLong = errors.New("advisor reply line too long")

// ConnectError reports that every connection attempt failed
type ConnectError struct {
	Addr     string
	Attempts int
	Cause    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to advisor at %s after %d attempts: %v", e.Addr, e.Attempts, e.Cause)
}

func (e *ConnectError) Unwrap() error {
	return e.Cause
}

// HandshakeError reports an init exchange that did not end in ack.
// Message is set when the advisor answered with an error reply.
type HandshakeError struct {
	Message string
	Cause   error
}

func (e *HandshakeError) Error() string {
	switch {
	case e.Cause != nil:
		return fmt.Sprintf("advisor handshake failed: %v", e.Cause)
	case e.Message != "":
		return fmt.Sprintf("advisor rejected session: %s", e.Message)
	default:
		return "advisor handshake failed"
	}
}

func (e *HandshakeError) Unwrap() error {
	return e.Cause
}

// LinkLost reports a socket failure during an exchange
type LinkLost struct {
	Cause error
}

func (e *LinkLost) Error() string {
	return fmt.Sprintf("advisor link lost: %v", e.Cause)
}

func (e *LinkLost) Unwrap() error {
	return e.Cause
}

// IsLinkLost reports whether err is or wraps a *LinkLost
func IsLinkLost(err error) bool {
	var lost *LinkLost
	return errors.As(err, &lost)
}
