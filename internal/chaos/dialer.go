package chaos

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrInjected is returned for operations failed by chaos
var ErrInjected = errors.New("chaos: injected failure")

// ContextDialer dials network connections
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Dialer wraps a ContextDialer with delays and drops on dial and on writes.
// A dropped write closes the connection, which the peer sees as a lost link.
type Dialer struct {
	next   ContextDialer
	chaos  *Chaos
	target string
}

// NewDialer wraps next. target names the connection in chaos logs and is
// matched against Config.Target.
func NewDialer(next ContextDialer, c *Chaos, target string) *Dialer {
	return &Dialer{next: next, chaos: c, target: target}
}

// DialContext dials through the wrapped dialer
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if err := d.chaos.MaybeDelay(ctx, d.target, "dial"); err != nil {
		return nil, err
	}
	if d.chaos.MaybeDrop(d.target, "dial") {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, ErrInjected)
	}

	conn, err := d.next.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return &faultyConn{Conn: conn, chaos: d.chaos, target: d.target}, nil
}

type faultyConn struct {
	net.Conn
	chaos  *Chaos
	target string
}

func (c *faultyConn) Write(p []byte) (int, error) {
	if err := c.chaos.MaybeDelay(context.Background(), c.target, "write"); err != nil {
		return 0, err
	}
	if c.chaos.MaybeDrop(c.target, "write") {
		c.Conn.Close()
		return 0, fmt.Errorf("write: %w", ErrInjected)
	}
	return c.Conn.Write(p)
}
