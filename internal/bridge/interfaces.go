package bridge

import (
	"context"
	"time"

	"github.com/ismaiel54/advisor-bridge/internal/domain"
	"github.com/ismaiel54/advisor-bridge/internal/msg"
	"github.com/ismaiel54/advisor-bridge/internal/protocol"
)

// EventSink receives broker callbacks. Callbacks are delivered one at a time.
type EventSink interface {
	OnStart(ctx context.Context)
	OnStop(ctx context.Context)
	OnTick(ctx context.Context, tick domain.Tick)
	OnOrderEvent(ctx context.Context, ev domain.OrderEvent)
	OnAccount(ctx context.Context, acct domain.Account)
}

// Subscriber manages the broker's instrument subscriptions
type Subscriber interface {
	Subscribed(ctx context.Context) ([]string, error)
	Subscribe(ctx context.Context, instruments []string) error
}

// Platform is the broker surface driven by the engine
type Platform interface {
	Subscriber

	Orders(ctx context.Context) ([]domain.Order, error)
	SubmitOrder(ctx context.Context, label, instrument string, dir domain.Direction, lots float64) error
	CloseOrder(ctx context.Context, order domain.Order) error
	Account(ctx context.Context) (domain.Account, error)
}

// Advisor is the advisor link. Quantities are in wire units.
type Advisor interface {
	Sync(ctx context.Context, instrument, id string, opened time.Time, dir domain.Direction, price float64, qty int64) error
	Tick(ctx context.Context, instrument string, at time.Time, ask, bid, equity, freeMargin float64) (protocol.Advice, error)
	OpenNotify(ctx context.Context, instrument, id string, ok bool, price float64) error
	CloseNotify(ctx context.Context, instrument, id string, ok bool, price float64) error
	Reconnect(ctx context.Context) error
}

// Recorder stores an audit entry for an exchange or broker action
type Recorder interface {
	Record(ctx context.Context, ev msg.BridgeEventMsg) error
}
