package advisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ismaiel54/advisor-bridge/internal/domain"
	"github.com/ismaiel54/advisor-bridge/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	ackLine   = `{"status":"ack"}`
	noReply   = ""
	hangUpTag = "<hangup>"
)

// fakeAdvisor is a line-oriented TCP advisor driven by a respond callback.
// respond returns the reply line, noReply to stay silent, or hangUpTag to drop the connection.
type fakeAdvisor struct {
	ln      net.Listener
	respond func(req map[string]any) string

	mu       sync.Mutex
	requests []map[string]any
	accepts  int
}

func newFakeAdvisor(t *testing.T, respond func(req map[string]any) string) *fakeAdvisor {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	a := &fakeAdvisor{ln: ln, respond: respond}
	go a.serve()
	t.Cleanup(func() { ln.Close() })
	return a
}

func (a *fakeAdvisor) serve() {
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			return
		}
		a.mu.Lock()
		a.accepts++
		a.mu.Unlock()
		go a.handle(conn)
	}
}

func (a *fakeAdvisor) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		var req map[string]any
		if err := json.Unmarshal(line, &req); err != nil {
			return
		}

		a.mu.Lock()
		a.requests = append(a.requests, req)
		reply := a.respond(req)
		a.mu.Unlock()

		switch reply {
		case noReply:
			continue
		case hangUpTag:
			return
		}
		if _, err := conn.Write([]byte(reply + "\n")); err != nil {
			return
		}
	}
}

func (a *fakeAdvisor) port() int {
	return a.ln.Addr().(*net.TCPAddr).Port
}

func (a *fakeAdvisor) methods() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.requests))
	for _, req := range a.requests {
		out = append(out, req["method"].(string))
	}
	return out
}

func (a *fakeAdvisor) lastRequest() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests[len(a.requests)-1]
}

func (a *fakeAdvisor) acceptCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accepts
}

func alwaysAck(map[string]any) string { return ackLine }

func testOptions(a *fakeAdvisor) Options {
	return Options{
		Host:        "127.0.0.1",
		Port:        a.port(),
		SessionID:   "s1",
		Instruments: []string{"EUR/USD"},
		RetryDelay:  time.Millisecond,
	}
}

// flakyDialer fails the first failures dials and then delegates to a real dialer
type flakyDialer struct {
	failures int
	calls    int
	next     net.Dialer
}

func (d *flakyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.calls++
	if d.calls <= d.failures {
		return nil, errors.New("connection refused")
	}
	return d.next.DialContext(ctx, network, address)
}

func TestConnect_Handshake(t *testing.T) {
	a := newFakeAdvisor(t, alwaysAck)

	c, err := Connect(context.Background(), testOptions(a), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	assert.True(t, c.Connected())
	session := c.Session()
	assert.Equal(t, "s1", session.ID)
	assert.Equal(t, []string{"EUR/USD"}, session.Instruments)
	assert.False(t, session.EstablishedAt.IsZero())

	initReq := a.lastRequest()
	assert.Equal(t, "init", initReq["method"])
	assert.Equal(t, "s1", initReq["sessid"])
	assert.Equal(t, []any{"EUR/USD"}, initReq["instruments"])
}

func TestConnect_RetryBound(t *testing.T) {
	a := newFakeAdvisor(t, alwaysAck)

	for _, failures := range []int{0, 1, 6} {
		dialer := &flakyDialer{failures: failures}
		opts := testOptions(a)
		opts.Dialer = dialer

		c, err := Connect(context.Background(), opts, zaptest.NewLogger(t))
		require.NoError(t, err, "failures=%d", failures)
		assert.Equal(t, failures+1, dialer.calls)
		c.Close()
	}

	dialer := &flakyDialer{failures: 7}
	opts := testOptions(a)
	opts.Dialer = dialer

	c, err := Connect(context.Background(), opts, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Nil(t, c)
	assert.Equal(t, 7, dialer.calls)

	var cerr *ConnectError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, 7, cerr.Attempts)
	assert.EqualError(t, cerr.Cause, "connection refused")
}

func TestConnect_HandshakeRejected(t *testing.T) {
	a := newFakeAdvisor(t, func(map[string]any) string {
		return `{"status":"error","message":"unknown session"}`
	})

	_, err := Connect(context.Background(), testOptions(a), zaptest.NewLogger(t))
	var herr *HandshakeError
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, "unknown session", herr.Message)
	assert.Equal(t, 1, a.acceptCount(), "handshake failures are not retried")
}

func TestConnect_HandshakeMalformed(t *testing.T) {
	a := newFakeAdvisor(t, func(map[string]any) string { return `{"status":"ok"}` })

	_, err := Connect(context.Background(), testOptions(a), zaptest.NewLogger(t))
	var herr *HandshakeError
	require.True(t, errors.As(err, &herr))
	assert.True(t, errors.Is(err, protocol.ErrInvalidReply))
}

func TestExchange_EOFIsLinkLost(t *testing.T) {
	a := newFakeAdvisor(t, func(req map[string]any) string {
		if req["method"] == "init" {
			return ackLine
		}
		return hangUpTag
	})

	c, err := Connect(context.Background(), testOptions(a), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Tick(context.Background(), "EUR/USD", time.Now(), 1.1002, 1.1, 10000, 9500)
	var lost *LinkLost
	require.True(t, errors.As(err, &lost))
	assert.False(t, c.Connected())

	// later exchanges fail fast without touching the socket
	err = c.OpenNotify(context.Background(), "EUR/USD", "B2", true, 1.1)
	require.True(t, errors.As(err, &lost))
	assert.ErrorIs(t, err, ErrLinkDown)
	assert.Equal(t, []string{"init", "tick"}, a.methods())
}

func TestExchange_ReadTimeoutIsLinkLost(t *testing.T) {
	a := newFakeAdvisor(t, func(req map[string]any) string {
		if req["method"] == "init" {
			return ackLine
		}
		return noReply
	})

	opts := testOptions(a)
	opts.ReadTimeout = 50 * time.Millisecond
	c, err := Connect(context.Background(), opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	err = c.Sync(context.Background(), "EUR/USD", "A1", time.Now(), domain.Long, 1.1, 1000000)
	var lost *LinkLost
	require.True(t, errors.As(err, &lost))

	var nerr net.Error
	require.True(t, errors.As(err, &nerr))
	assert.True(t, nerr.Timeout())
}

func TestExchange_OversizedReplyIsLinkLost(t *testing.T) {
	padded := `{"status":"ack","pad":"` + strings.Repeat("x", 8192) + `"}`
	a := newFakeAdvisor(t, func(req map[string]any) string {
		if req["method"] == "init" {
			return ackLine
		}
		return padded
	})

	opts := testOptions(a)
	opts.MaxLineBytes = 1024
	c, err := Connect(context.Background(), opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	err = c.Sync(context.Background(), "EUR/USD", "A1", time.Now(), domain.Long, 1.1, 1000000)
	var lost *LinkLost
	require.True(t, errors.As(err, &lost))
	assert.ErrorIs(t, err, ErrLineTooLong)
	assert.False(t, c.Connected())
}

func TestExchange_ReplySpanningReadBuffer(t *testing.T) {
	padded := `{"status":"ack","pad":"` + strings.Repeat("x", 6000) + `"}`
	a := newFakeAdvisor(t, func(req map[string]any) string {
		if req["method"] == "init" {
			return ackLine
		}
		return padded
	})

	c, err := Connect(context.Background(), testOptions(a), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	err = c.Sync(context.Background(), "EUR/USD", "A1", time.Now(), domain.Long, 1.1, 1000000)
	require.NoError(t, err)
	assert.True(t, c.Connected())
}

func TestExchange_ContextDeadlineIsLinkLost(t *testing.T) {
	a := newFakeAdvisor(t, func(req map[string]any) string {
		if req["method"] == "init" {
			return ackLine
		}
		return noReply
	})

	c, err := Connect(context.Background(), testOptions(a), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = c.Tick(ctx, "EUR/USD", time.Now(), 1.1002, 1.1, 10000, 9500)
	assert.True(t, IsLinkLost(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReconnect_RestoresSession(t *testing.T) {
	var ticks int
	a := newFakeAdvisor(t, func(req map[string]any) string {
		if req["method"] != "tick" {
			return ackLine
		}
		ticks++
		if ticks == 1 {
			return hangUpTag
		}
		return `{"status":"advice","operations":[]}`
	})

	c, err := Connect(context.Background(), testOptions(a), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Tick(context.Background(), "EUR/USD", time.Now(), 1.1002, 1.1, 10000, 9500)
	require.True(t, IsLinkLost(err))

	require.NoError(t, c.Reconnect(context.Background()))
	assert.Equal(t, "s1", c.Session().ID)

	advice, err := c.Tick(context.Background(), "EUR/USD", time.Now(), 1.1002, 1.1, 10000, 9500)
	require.NoError(t, err)
	assert.True(t, advice.Empty())
	assert.Equal(t, []string{"init", "tick", "init", "tick"}, a.methods())
	assert.Equal(t, 2, a.acceptCount())
}

func TestTick_Advice(t *testing.T) {
	a := newFakeAdvisor(t, func(req map[string]any) string {
		if req["method"] == "tick" {
			return `{"status":"advice","operations":[{"op":"close","id":"A1"},{"op":"LONG","id":"B2","qty":1000000}]}`
		}
		return ackLine
	})

	c, err := Connect(context.Background(), testOptions(a), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	advice, err := c.Tick(context.Background(), "EUR/USD", time.Now(), 1.1002, 1.1000, 10000, 9500)
	require.NoError(t, err)
	assert.Equal(t, []string{"A1"}, advice.Close)
	assert.Equal(t, []protocol.OpenPosition{{Direction: domain.Long, ID: "B2", Qty: 1000000}}, advice.Open)

	tick := a.lastRequest()
	assert.Equal(t, 1.1002, tick["ask"])
	assert.Equal(t, 1.1, tick["bid"])
	assert.Equal(t, float64(10000), tick["equity"])
	assert.Equal(t, float64(9500), tick["free_margin"])
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.000$`, tick["timestamp"])
}

func TestProtocolErrorKeepsLink(t *testing.T) {
	var ticks int
	a := newFakeAdvisor(t, func(req map[string]any) string {
		if req["method"] != "tick" {
			return ackLine
		}
		ticks++
		if ticks == 1 {
			return `{"status":"advice","operations":[{"op":"HOLD","id":"X"}]}`
		}
		return ackLine
	})

	c, err := Connect(context.Background(), testOptions(a), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Tick(context.Background(), "EUR/USD", time.Now(), 1.1, 1.0, 1, 1)
	assert.ErrorIs(t, err, protocol.ErrInvalidOperation)
	assert.True(t, c.Connected())

	_, err = c.Tick(context.Background(), "EUR/USD", time.Now(), 1.1, 1.0, 1, 1)
	assert.NoError(t, err)
}

func TestNotify_AdvisorErrorCarriesMethod(t *testing.T) {
	a := newFakeAdvisor(t, func(req map[string]any) string {
		if req["method"] == "close_notify" {
			return `{"status":"error","message":"unknown id"}`
		}
		return ackLine
	})

	c, err := Connect(context.Background(), testOptions(a), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	err = c.CloseNotify(context.Background(), "EUR/USD", "A1", false, 0)
	var aerr *protocol.AdvisorError
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, protocol.MethodCloseNotify, aerr.Method)
	assert.Equal(t, "unknown id", aerr.Message)

	req := a.lastRequest()
	assert.Equal(t, false, req["status"])
	assert.Equal(t, float64(0), req["price"])
	assert.True(t, c.Connected())
}

func TestInvalidRequestSkipsIO(t *testing.T) {
	a := newFakeAdvisor(t, alwaysAck)

	c, err := Connect(context.Background(), testOptions(a), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	err = c.OpenNotify(context.Background(), "EUR/USD", "", true, 1.1)
	assert.ErrorIs(t, err, protocol.ErrInvalidRequest)
	assert.Equal(t, []string{"init"}, a.methods())
}
