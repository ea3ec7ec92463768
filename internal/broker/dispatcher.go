package broker

import (
	"context"

	"github.com/ismaiel54/advisor-bridge/internal/bridge"
	"go.uber.org/zap"
)

// Dispatcher delivers broker events to a sink from a single goroutine
type Dispatcher struct {
	events   <-chan Event
	watchdog *Watchdog
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher. watchdog may be nil.
func NewDispatcher(events <-chan Event, watchdog *Watchdog, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		events:   events,
		watchdog: watchdog,
		logger:   logger.With(zap.String("component", "dispatcher")),
	}
}

// Run calls OnStart, delivers events until ctx is done or the stream closes,
// then calls OnStop
func (d *Dispatcher) Run(ctx context.Context, sink bridge.EventSink) error {
	d.logger.Info("starting event dispatch")
	sink.OnStart(ctx)
	defer sink.OnStop(context.WithoutCancel(ctx))

	var delivered int64
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("event dispatch stopping", zap.Int64("delivered", delivered))
			return ctx.Err()
		case ev, ok := <-d.events:
			if !ok {
				d.logger.Info("broker event stream closed", zap.Int64("delivered", delivered))
				return nil
			}
			d.watchdog.Touch()
			d.dispatch(ctx, sink, ev)
			delivered++
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, sink bridge.EventSink, ev Event) {
	switch ev.Kind {
	case EventTick:
		sink.OnTick(ctx, ev.Tick)
	case EventOrder:
		sink.OnOrderEvent(ctx, ev.Order)
	case EventAccount:
		sink.OnAccount(ctx, ev.Account)
	default:
		d.logger.Warn("unknown broker event", zap.Int("kind", int(ev.Kind)))
	}
}
