package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultLightReconnects = 3
	DefaultRetryInterval   = 60 * time.Second
	DefaultConnectTimeout  = 10 * time.Second
)

// ErrConnectTimeout is returned when the broker does not report connected in time
var ErrConnectTimeout = errors.New("broker did not connect in time")

// SupervisorConfig tunes the reconnect policy
type SupervisorConfig struct {
	LightReconnects int
	RetryInterval   time.Duration
	ConnectTimeout  time.Duration
	PollInterval    time.Duration
}

func (c *SupervisorConfig) applyDefaults() {
	if c.LightReconnects <= 0 {
		c.LightReconnects = DefaultLightReconnects
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
}

// Supervisor keeps the broker connected. It runs independently of the event
// stream and talks to the client only through its ConnState.
type Supervisor struct {
	client Client
	cfg    SupervisorConfig
	logger *zap.Logger

	lightLeft int
}

// NewSupervisor creates a supervisor with a full light-reconnect budget
func NewSupervisor(client Client, cfg SupervisorConfig, logger *zap.Logger) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{
		client:    client,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "supervisor")),
		lightLeft: cfg.LightReconnects,
	}
}

// ConnectAndWait performs a full connect and waits for the connected flag
func (s *Supervisor) ConnectAndWait(ctx context.Context) error {
	if err := s.client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	if err := s.waitConnected(ctx); err != nil {
		return err
	}
	s.onConnected()
	return nil
}

// Run reconnects after every disconnect until ctx is done
func (s *Supervisor) Run(ctx context.Context) error {
	state := s.client.State()

	for {
		if state.Connected() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-state.Changed():
				continue
			}
		}

		s.logger.Warn("broker disconnected, reconnecting",
			zap.Int("light_reconnects_left", s.lightLeft),
		)
		if s.attempt(ctx) {
			s.onConnected()
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.RetryInterval):
		}
	}
}

func (s *Supervisor) attempt(ctx context.Context) bool {
	var err error
	if s.lightLeft > 0 && s.client.ResumeAllowed() {
		s.lightLeft--
		s.logger.Info("attempting light reconnect", zap.Int("light_reconnects_left", s.lightLeft))
		err = s.client.Resume(ctx)
	} else {
		s.logger.Info("attempting full reconnect")
		err = s.client.Connect(ctx)
	}
	if err != nil {
		s.logger.Error("broker reconnect failed", zap.Error(err))
		return false
	}

	if err := s.waitConnected(ctx); err != nil {
		s.logger.Error("broker reconnect failed", zap.Error(err))
		return false
	}
	return true
}

func (s *Supervisor) waitConnected(ctx context.Context) error {
	state := s.client.State()
	deadline := time.Now().Add(s.cfg.ConnectTimeout)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for !state.Connected() {
		if time.Now().After(deadline) {
			return ErrConnectTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (s *Supervisor) onConnected() {
	s.lightLeft = s.cfg.LightReconnects
	s.logger.Info("broker connected")
}
