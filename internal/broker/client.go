package broker

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/ismaiel54/advisor-bridge/internal/bridge"
	"github.com/ismaiel54/advisor-bridge/internal/domain"
)

var (
	ErrNotConnected   = errors.New("broker not connected")
	ErrResumeRejected = errors.New("broker session cannot be resumed")
)

// EventKind tags a broker event
type EventKind int

const (
	EventTick EventKind = iota + 1
	EventOrder
	EventAccount
)

// Event is one item of the broker's callback stream
type Event struct {
	Kind    EventKind
	Tick    domain.Tick
	Order   domain.OrderEvent
	Account domain.Account
}

// Client is a broker integration: the engine's Platform plus session management
type Client interface {
	bridge.Platform

	// Connect performs a full login
	Connect(ctx context.Context) error
	// Resume is the light reconnect that reuses the current session
	Resume(ctx context.Context) error
	ResumeAllowed() bool

	State() *ConnState
	Events() <-chan Event
}

// ConnState is the connection flag shared between the broker client and the
// supervisor. Changed fires at least once after every transition.
type ConnState struct {
	connected atomic.Bool
	changed   chan struct{}
}

// NewConnState returns a disconnected state
func NewConnState() *ConnState {
	return &ConnState{changed: make(chan struct{}, 1)}
}

// Connected reports the current flag
func (s *ConnState) Connected() bool {
	return s.connected.Load()
}

// Set updates the flag and signals Changed on a transition
func (s *ConnState) Set(connected bool) {
	if s.connected.Swap(connected) == connected {
		return
	}
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// Changed returns the coalescing transition notification channel
func (s *ConnState) Changed() <-chan struct{} {
	return s.changed
}
