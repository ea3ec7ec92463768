package advisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ismaiel54/advisor-bridge/internal/protocol"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts = 7
	DefaultRetryDelay  = time.Second

	// DefaultMaxLineBytes bounds one reply line, newline included
	DefaultMaxLineBytes = 1 << 20
)

// Dialer opens the TCP link. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Options configures the advisor link
type Options struct {
	Host        string
	Port        int
	SessionID   string
	Instruments []string

	// MaxAttempts bounds dial attempts per Connect or Reconnect
	MaxAttempts int
	RetryDelay  time.Duration

	// ReadTimeout bounds one exchange. Zero blocks until the advisor answers.
	ReadTimeout time.Duration

	// MaxLineBytes bounds one reply line. A longer line drops the link.
	MaxLineBytes int

	Dialer Dialer
}

// Addr returns host:port
func (o Options) Addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.MaxLineBytes <= 0 {
		o.MaxLineBytes = DefaultMaxLineBytes
	}
	if o.Dialer == nil {
		o.Dialer = &net.Dialer{}
	}
}

// Session describes an established advisor session
type Session struct {
	Host          string
	Port          int
	ID            string
	Instruments   []string
	EstablishedAt time.Time
}

// Connector owns the single TCP link to the advisor.
// Exchanges are serialized: at most one request is in flight.
type Connector struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	session Session
}

// Connect dials the advisor with bounded retries and performs the init handshake
func Connect(ctx context.Context, opts Options, logger *zap.Logger) (*Connector, error) {
	opts.applyDefaults()
	c := &Connector{
		opts:   opts,
		logger: logger.With(zap.String("component", "advisor"), zap.String("addr", opts.Addr())),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.establish(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Session returns the current session. It is the zero value while the link is down.
func (c *Connector) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Connected reports whether the link is up
func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Exchange sends req and waits for exactly one reply line.
// Socket failures close the link and return *LinkLost; a malformed reply
// returns a *protocol.ProtocolError and keeps the link.
func (c *Connector) Exchange(ctx context.Context, req protocol.Request) (protocol.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, &LinkLost{Cause: ErrLinkDown}
	}
	return c.roundTrip(ctx, req)
}

// Reconnect drops the current link, if any, and establishes a new session
// with the same bounded retry policy as Connect.
func (c *Connector) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeLocked()
	return c.establish(ctx)
}

// Close closes the link
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	c.session = Session{}
	return err
}

func (c *Connector) establish(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)

	if err := c.handshake(ctx); err != nil {
		c.closeLocked()
		return err
	}

	c.session = Session{
		Host:          c.opts.Host,
		Port:          c.opts.Port,
		ID:            c.opts.SessionID,
		Instruments:   append([]string(nil), c.opts.Instruments...),
		EstablishedAt: time.Now(),
	}
	c.logger.Info("advisor session established",
		zap.String("sessid", c.opts.SessionID),
		zap.Strings("instruments", c.opts.Instruments),
	)
	return nil
}

func (c *Connector) dial(ctx context.Context) (net.Conn, error) {
	addr := c.opts.Addr()
	var lastErr error

	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		conn, err := c.opts.Dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		c.logger.Warn("failed to connect to advisor",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.opts.MaxAttempts),
			zap.Error(err),
		)
		if attempt == c.opts.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, &ConnectError{Addr: addr, Attempts: attempt, Cause: ctx.Err()}
		case <-time.After(c.opts.RetryDelay):
		}
	}

	return nil, &ConnectError{Addr: addr, Attempts: c.opts.MaxAttempts, Cause: lastErr}
}

func (c *Connector) handshake(ctx context.Context) error {
	reply, err := c.roundTrip(ctx, protocol.InitRequest{
		SessionID:   c.opts.SessionID,
		Instruments: c.opts.Instruments,
	})
	if err != nil {
		return &HandshakeError{Cause: err}
	}

	switch r := reply.(type) {
	case protocol.Ack:
		return nil
	case protocol.ErrorReply:
		return &HandshakeError{Message: r.Message}
	default:
		return &HandshakeError{Message: fmt.Sprintf("unexpected %s reply to init", reply.Status())}
	}
}

// roundTrip requires c.mu held and a live conn
func (c *Connector) roundTrip(ctx context.Context, req protocol.Request) (protocol.Reply, error) {
	data, err := protocol.Encode(req)
	if err != nil {
		return nil, err
	}

	conn := c.conn
	if err := conn.SetDeadline(c.deadline(ctx)); err != nil {
		return nil, c.lost(req.Method(), fmt.Errorf("failed to set deadline: %w", err))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write(append(data, '\n')); err != nil {
		return nil, c.lost(req.Method(), c.cause(ctx, err))
	}

	line, err := c.readLine()
	if err != nil {
		return nil, c.lost(req.Method(), c.cause(ctx, err))
	}

	c.logger.Debug("advisor exchange",
		zap.String("method", string(req.Method())),
		zap.ByteString("reply", line),
	)
	return protocol.Decode(line)
}

func (c *Connector) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := c.reader.ReadSlice('\n')
		if len(line)+len(chunk) > c.opts.MaxLineBytes {
			return nil, fmt.Errorf("%w: limit is %d bytes", ErrLineTooLong, c.opts.MaxLineBytes)
		}
		line = append(line, chunk...)
		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
		default:
			return nil, err
		}
	}
}

func (c *Connector) deadline(ctx context.Context) time.Time {
	var d time.Time
	if c.opts.ReadTimeout > 0 {
		d = time.Now().Add(c.opts.ReadTimeout)
	}
	if cd, ok := ctx.Deadline(); ok && (d.IsZero() || cd.Before(d)) {
		d = cd
	}
	return d
}

func (c *Connector) cause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	// the socket deadline can fire before the context timer does
	if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}

func (c *Connector) lost(method protocol.Method, cause error) error {
	c.logger.Warn("advisor link lost",
		zap.String("method", string(method)),
		zap.Error(cause),
	)
	c.closeLocked()
	return &LinkLost{Cause: cause}
}

func (c *Connector) closeLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.reader = nil
	c.session = Session{}
}
