package bridge

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ismaiel54/advisor-bridge/internal/advisor"
	"github.com/ismaiel54/advisor-bridge/internal/domain"
	"github.com/ismaiel54/advisor-bridge/internal/msg"
	"github.com/ismaiel54/advisor-bridge/internal/protocol"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultReconnectInterval is the minimum spacing of advisor reconnect attempts
const DefaultReconnectInterval = 5 * time.Second

// Config holds the engine's immutable inputs
type Config struct {
	SessionID   string
	Instruments domain.InstrumentSet

	// ReconnectInterval spaces advisor reconnects after a lost link
	ReconnectInterval time.Duration
}

// Engine reconciles broker state with the advisor. It implements EventSink
// and expects callbacks from a single goroutine.
type Engine struct {
	cfg      Config
	platform Platform
	advisor  Advisor
	recorder Recorder
	guard    *SubscriptionGuard
	logger   *zap.Logger

	reconnect *rate.Limiter
	linkDown  atomic.Bool
	lastAcct  *domain.Account
	now       func() time.Time
}

// NewEngine wires an engine. recorder may be nil.
func NewEngine(cfg Config, platform Platform, adv Advisor, recorder Recorder, logger *zap.Logger) *Engine {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	guard := NewSubscriptionGuard(platform, cfg.Instruments, logger)
	guard.recorder = recorder
	guard.sessionID = cfg.SessionID

	return &Engine{
		cfg:       cfg,
		platform:  platform,
		advisor:   adv,
		recorder:  recorder,
		guard:     guard,
		logger:    logger.With(zap.String("component", "engine")),
		reconnect: rate.NewLimiter(rate.Every(cfg.ReconnectInterval), 1),
		now:       time.Now,
	}
}

// LinkUp reports whether the last advisor exchange left the link usable.
// Safe for concurrent use.
func (e *Engine) LinkUp() bool {
	return !e.linkDown.Load()
}

// OnStart subscribes the configured instruments and pushes existing positions to the advisor
func (e *Engine) OnStart(ctx context.Context) {
	e.logger.Info("bridge starting",
		zap.String("sessid", e.cfg.SessionID),
		zap.Strings("instruments", e.cfg.Instruments.Symbols()),
	)
	e.guard.Pass(ctx)
	e.syncPositions(ctx)
}

// OnStop is called once when the broker stream ends
func (e *Engine) OnStop(ctx context.Context) {
	e.logger.Info("bridge stopped", zap.Bool("advisor_link_up", e.LinkUp()))
}

// OnAccount keeps the latest account update as a fallback for tick processing
func (e *Engine) OnAccount(_ context.Context, acct domain.Account) {
	e.lastAcct = &acct
}

// OnTick forwards the tick to the advisor and applies the returned advice
func (e *Engine) OnTick(ctx context.Context, tick domain.Tick) {
	if !e.cfg.Instruments.Contains(tick.Instrument) {
		return
	}
	e.guard.Pass(ctx)

	if !e.ensureLink(ctx) {
		e.logger.Debug("advisor link down, tick dropped", zap.String("instrument", tick.Instrument))
		return
	}

	acct, err := e.account(ctx)
	if err != nil {
		e.logger.Warn("failed to read account, tick dropped",
			zap.String("instrument", tick.Instrument),
			zap.Error(err),
		)
		return
	}

	at := tick.Time
	if at.IsZero() {
		at = e.now()
	}

	advice, err := e.advisor.Tick(ctx, tick.Instrument, at, tick.Ask, tick.Bid, acct.Equity, acct.FreeMargin())
	e.record(ctx, msg.BridgeEventMsg{Kind: msg.EventTick, Instrument: tick.Instrument, Price: tick.Bid}, err)
	if err != nil {
		e.exchangeFailed(ctx, protocol.MethodTick, tick.Instrument, "", err)
		return
	}
	if advice.Empty() {
		return
	}

	e.apply(ctx, tick.Instrument, advice)
}

// OnOrderEvent reports order outcomes to the advisor. Failures are logged only:
// the broker state has already changed.
func (e *Engine) OnOrderEvent(ctx context.Context, ev domain.OrderEvent) {
	o := ev.Order
	logger := e.logger.With(
		zap.String("event", string(ev.Kind)),
		zap.String("instrument", o.Instrument),
		zap.String("id", o.Label),
	)

	var (
		closing bool
		ok      bool
		price   float64
	)
	switch ev.Kind {
	case domain.FillOK:
		ok, price = true, o.OpenPrice
	case domain.FillRejected, domain.SubmitRejected:
		logger.Warn("order rejected", zap.String("reason", ev.Reason))
	case domain.CloseOK:
		closing, ok, price = true, true, o.ClosePrice
	case domain.CloseRejected:
		logger.Warn("close rejected", zap.String("reason", ev.Reason))
		closing = true
	case domain.SubmitOK:
		logger.Debug("order submitted")
		return
	default:
		logger.Debug("ignoring order event")
		return
	}

	e.notify(ctx, logger, o, closing, ok, price)
}

// notify sends open_notify or close_notify for o and journals the exchange
func (e *Engine) notify(ctx context.Context, logger *zap.Logger, o domain.Order, closing, ok bool, price float64) {
	if !e.ensureLink(ctx) {
		logger.Warn("advisor link down, notification lost")
		return
	}

	method := protocol.MethodOpenNotify
	kind := msg.EventOpenNotify
	var err error
	if closing {
		method, kind = protocol.MethodCloseNotify, msg.EventCloseNotify
		err = e.advisor.CloseNotify(ctx, o.Instrument, o.Label, ok, price)
	} else {
		err = e.advisor.OpenNotify(ctx, o.Instrument, o.Label, ok, price)
	}

	e.record(ctx, msg.BridgeEventMsg{
		Kind:       kind,
		Instrument: o.Instrument,
		Label:      o.Label,
		Direction:  string(o.Direction),
		Price:      price,
	}, err)
	if err != nil {
		e.exchangeFailed(ctx, method, o.Instrument, o.Label, err)
	}
}

func (e *Engine) syncPositions(ctx context.Context) {
	orders, err := e.platform.Orders(ctx)
	if err != nil {
		e.logger.Error("failed to list broker orders, positions not synced", zap.Error(err))
		return
	}

	synced := 0
	for _, o := range orders {
		if o.State != domain.OrderFilled || !e.cfg.Instruments.Contains(o.Instrument) {
			continue
		}

		qty := protocol.ToWireUnits(o.Amount)
		err := e.advisor.Sync(ctx, o.Instrument, o.Label, o.CreatedAt, o.Direction, o.OpenPrice, qty)
		e.record(ctx, msg.BridgeEventMsg{
			Kind:       msg.EventSync,
			Instrument: o.Instrument,
			Label:      o.Label,
			Direction:  string(o.Direction),
			Price:      o.OpenPrice,
			Qty:        qty,
		}, err)
		if err != nil {
			e.exchangeFailed(ctx, protocol.MethodSync, o.Instrument, o.Label, err)
			continue
		}
		synced++
	}

	e.logger.Info("positions synced", zap.Int("synced", synced))
}

// apply closes first, then opens, each in advisor order
func (e *Engine) apply(ctx context.Context, instrument string, advice protocol.Advice) {
	if len(advice.Close) > 0 {
		orders, err := e.platform.Orders(ctx)
		if err != nil {
			e.logger.Error("failed to list broker orders, advice abandoned",
				zap.String("instrument", instrument),
				zap.Strings("close", advice.Close),
				zap.Int("open", len(advice.Open)),
				zap.Error(err),
			)
			return
		}
		for _, id := range advice.Close {
			e.closeByLabel(ctx, orders, id)
		}
	}

	for _, op := range advice.Open {
		lots := protocol.FromWireUnits(op.Qty)
		err := e.platform.SubmitOrder(ctx, op.ID, instrument, op.Direction, lots)
		e.record(ctx, msg.BridgeEventMsg{
			Kind:       msg.EventSubmit,
			Instrument: instrument,
			Label:      op.ID,
			Direction:  string(op.Direction),
			Qty:        op.Qty,
		}, err)
		if err != nil {
			logger := e.logger.With(
				zap.String("instrument", instrument),
				zap.String("id", op.ID),
			)
			logger.Error("failed to submit order",
				zap.String("direction", string(op.Direction)),
				zap.Float64("lots", lots),
				zap.Error(err),
			)
			// a synchronous rejection produces no broker event, so report it here
			rejected := domain.Order{Instrument: instrument, Label: op.ID, Direction: op.Direction}
			e.notify(ctx, logger, rejected, false, false, 0)
			continue
		}
		e.logger.Info("order submitted",
			zap.String("instrument", instrument),
			zap.String("id", op.ID),
			zap.String("direction", string(op.Direction)),
			zap.Float64("lots", lots),
		)
	}
}

func (e *Engine) closeByLabel(ctx context.Context, orders []domain.Order, label string) {
	matched := 0
	for _, o := range orders {
		if o.State != domain.OrderFilled || o.Label != label {
			continue
		}
		matched++

		err := e.platform.CloseOrder(ctx, o)
		e.record(ctx, msg.BridgeEventMsg{
			Kind:       msg.EventClose,
			Instrument: o.Instrument,
			Label:      o.Label,
			Direction:  string(o.Direction),
		}, err)
		if err != nil {
			e.logger.Error("failed to close order",
				zap.String("instrument", o.Instrument),
				zap.String("id", label),
				zap.Error(err),
			)
			continue
		}
		e.logger.Info("order close requested",
			zap.String("instrument", o.Instrument),
			zap.String("id", label),
		)
	}

	if matched == 0 {
		e.logger.Warn("close advice matched no filled order", zap.String("id", label))
	}
}

func (e *Engine) account(ctx context.Context) (domain.Account, error) {
	acct, err := e.platform.Account(ctx)
	if err == nil {
		return acct, nil
	}
	if e.lastAcct != nil {
		e.logger.Debug("using last account update", zap.Error(err))
		return *e.lastAcct, nil
	}
	return domain.Account{}, err
}

// ensureLink reports whether the advisor link is usable, attempting a
// rate-limited reconnect when it is down. A successful reconnect re-syncs positions.
func (e *Engine) ensureLink(ctx context.Context) bool {
	if !e.linkDown.Load() {
		return true
	}
	if !e.reconnect.Allow() {
		return false
	}

	err := e.advisor.Reconnect(ctx)
	e.record(ctx, msg.BridgeEventMsg{Kind: msg.EventReconnect}, err)
	if err != nil {
		e.logger.Warn("advisor reconnect failed", zap.Error(err))
		return false
	}

	e.linkDown.Store(false)
	e.logger.Info("advisor link restored")
	e.syncPositions(ctx)
	return !e.linkDown.Load()
}

func (e *Engine) exchangeFailed(ctx context.Context, method protocol.Method, instrument, id string, err error) {
	fields := []zap.Field{
		zap.String("method", string(method)),
		zap.String("instrument", instrument),
		zap.String("id", id),
		zap.Error(err),
	}

	var (
		aerr *protocol.AdvisorError
		perr *protocol.ProtocolError
	)
	switch {
	case advisor.IsLinkLost(err):
		if !e.linkDown.Swap(true) {
			e.record(ctx, msg.BridgeEventMsg{Kind: msg.EventLinkLost, Instrument: instrument, Label: id}, err)
		}
		e.logger.Warn("advisor link lost, operation abandoned", fields...)
	case errors.As(err, &aerr):
		e.logger.Warn("advisor returned error", append(fields, zap.String("message", aerr.Message))...)
	case errors.As(err, &perr):
		e.logger.Error("advisor protocol violation, reply discarded", fields...)
	default:
		e.logger.Error("advisor exchange failed", fields...)
	}
}

func (e *Engine) record(ctx context.Context, ev msg.BridgeEventMsg, err error) {
	if e.recorder == nil {
		return
	}
	ev.SessionID = e.cfg.SessionID
	ev.OK = err == nil
	if err != nil {
		ev.Error = err.Error()
	}
	if rerr := e.recorder.Record(ctx, ev); rerr != nil {
		e.logger.Warn("failed to record journal event",
			zap.String("kind", ev.Kind),
			zap.Error(rerr),
		)
	}
}
