package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ismaiel54/advisor-bridge/internal/bridge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// scriptedClient reconnects according to its flags and records every attempt
type scriptedClient struct {
	bridge.Platform

	state *ConnState

	mu            sync.Mutex
	calls         []string
	resumeAllowed bool
	resumeWorks   bool
	connectWorks  bool
	connectErr    error
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{state: NewConnState(), resumeAllowed: true}
}

func (c *scriptedClient) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "connect")
	if c.connectErr != nil {
		return c.connectErr
	}
	if c.connectWorks {
		c.state.Set(true)
	}
	return nil
}

func (c *scriptedClient) Resume(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "resume")
	if c.resumeWorks {
		c.state.Set(true)
	}
	return nil
}

func (c *scriptedClient) ResumeAllowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumeAllowed
}

func (c *scriptedClient) State() *ConnState    { return c.state }
func (c *scriptedClient) Events() <-chan Event { return nil }

func (c *scriptedClient) attempts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *scriptedClient) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

func fastSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		RetryInterval:  time.Millisecond,
		ConnectTimeout: 5 * time.Millisecond,
		PollInterval:   time.Millisecond,
	}
}

func runSupervisor(t *testing.T, s *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestSupervisor_LightThenFullReconnect(t *testing.T) {
	c := newScriptedClient()
	c.connectWorks = true
	s := NewSupervisor(c, fastSupervisorConfig(), zaptest.NewLogger(t))

	runSupervisor(t, s)

	require.Eventually(t, c.state.Connected, time.Second, time.Millisecond)
	assert.Equal(t, []string{"resume", "resume", "resume", "connect"}, c.attempts())
}

func TestSupervisor_BudgetResetsOnConnect(t *testing.T) {
	c := newScriptedClient()
	c.connectWorks = true
	s := NewSupervisor(c, fastSupervisorConfig(), zaptest.NewLogger(t))

	runSupervisor(t, s)
	require.Eventually(t, c.state.Connected, time.Second, time.Millisecond)
	// let the supervisor observe the connect before dropping it again
	time.Sleep(20 * time.Millisecond)

	c.reset()
	c.state.Set(false)

	require.Eventually(t, func() bool { return len(c.attempts()) == 4 && c.state.Connected() }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"resume", "resume", "resume", "connect"}, c.attempts())
}

func TestSupervisor_SkipsLightReconnectWhenNotAllowed(t *testing.T) {
	c := newScriptedClient()
	c.resumeAllowed = false
	c.connectWorks = true
	s := NewSupervisor(c, fastSupervisorConfig(), zaptest.NewLogger(t))

	runSupervisor(t, s)

	require.Eventually(t, c.state.Connected, time.Second, time.Millisecond)
	assert.Equal(t, []string{"connect"}, c.attempts())
}

func TestSupervisor_LightReconnectSucceeds(t *testing.T) {
	c := newScriptedClient()
	c.resumeWorks = true
	s := NewSupervisor(c, fastSupervisorConfig(), zaptest.NewLogger(t))

	runSupervisor(t, s)

	require.Eventually(t, c.state.Connected, time.Second, time.Millisecond)
	assert.Equal(t, []string{"resume"}, c.attempts())
}

func TestSupervisor_ConnectAndWait(t *testing.T) {
	c := newScriptedClient()
	s := NewSupervisor(c, fastSupervisorConfig(), zaptest.NewLogger(t))

	err := s.ConnectAndWait(context.Background())
	assert.ErrorIs(t, err, ErrConnectTimeout)

	c.connectErr = errors.New("bad credentials")
	err = s.ConnectAndWait(context.Background())
	assert.ErrorContains(t, err, "bad credentials")

	c.connectErr = nil
	c.connectWorks = true
	assert.NoError(t, s.ConnectAndWait(context.Background()))
}

func TestConnState_CoalescesNotifications(t *testing.T) {
	s := NewConnState()
	s.Set(false)
	select {
	case <-s.Changed():
		t.Fatal("no transition, no notification")
	default:
	}

	s.Set(true)
	s.Set(false)
	s.Set(true)

	<-s.Changed()
	select {
	case <-s.Changed():
		t.Fatal("notifications should coalesce")
	default:
	}
	assert.True(t, s.Connected())
}
