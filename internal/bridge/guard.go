package bridge

import (
	"context"

	"github.com/ismaiel54/advisor-bridge/internal/domain"
	"github.com/ismaiel54/advisor-bridge/internal/msg"
	"go.uber.org/zap"
)

// SubscriptionCooldown is the number of passes between two subscribe requests
const SubscriptionCooldown = 50

// SubscriptionGuard re-subscribes the configured instruments when the broker
// has dropped any of them. Not safe for concurrent use.
type SubscriptionGuard struct {
	platform    Subscriber
	instruments domain.InstrumentSet
	recorder    Recorder
	sessionID   string
	logger      *zap.Logger

	cooldown int
}

// NewSubscriptionGuard creates a guard whose first pass checks immediately
func NewSubscriptionGuard(platform Subscriber, instruments domain.InstrumentSet, logger *zap.Logger) *SubscriptionGuard {
	return &SubscriptionGuard{
		platform:    platform,
		instruments: instruments,
		logger:      logger.With(zap.String("component", "subscription-guard")),
	}
}

// Pass runs one check
func (g *SubscriptionGuard) Pass(ctx context.Context) {
	if g.cooldown <= 0 {
		g.check(ctx)
	}
	if g.cooldown > 0 {
		g.cooldown--
	}
}

func (g *SubscriptionGuard) check(ctx context.Context) {
	subscribed, err := g.platform.Subscribed(ctx)
	if err != nil {
		g.logger.Warn("failed to read subscribed instruments", zap.Error(err))
		return
	}

	missing := g.instruments.Missing(subscribed)
	if len(missing) == 0 {
		return
	}

	g.logger.Warn("some instruments still unsubscribed", zap.Strings("missing", missing))
	err = g.platform.Subscribe(ctx, g.instruments.Symbols())
	if err != nil {
		g.logger.Error("failed to subscribe instruments", zap.Error(err))
	}
	g.cooldown = SubscriptionCooldown

	if g.recorder != nil {
		ev := msg.BridgeEventMsg{Kind: msg.EventSubscribe, SessionID: g.sessionID, OK: err == nil}
		if err != nil {
			ev.Error = err.Error()
		}
		if rerr := g.recorder.Record(ctx, ev); rerr != nil {
			g.logger.Warn("failed to record journal event", zap.Error(rerr))
		}
	}
}
