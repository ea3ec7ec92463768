package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ismaiel54/advisor-bridge/internal/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrDuplicateLabel is returned when a live order already carries the label
var ErrDuplicateLabel = errors.New("label already used by a live order")

var _ Client = (*Paper)(nil)

// PaperConfig configures the paper platform
type PaperConfig struct {
	Balance  float64
	Leverage float64
	// LotSize is the number of base currency units in one lot
	LotSize float64
}

func (c *PaperConfig) applyDefaults() {
	if c.Balance <= 0 {
		c.Balance = 10000
	}
	if c.Leverage <= 0 {
		c.Leverage = 100
	}
	if c.LotSize <= 0 {
		c.LotSize = 100000
	}
}

// Paper is an in-memory broker. Market orders fill immediately on the latest
// quote and every state change is reported through Events.
type Paper struct {
	cfg    PaperConfig
	logger *zap.Logger
	state  *ConnState
	out    chan Event

	mu         sync.Mutex
	quotes     map[string]domain.Tick
	orders     []*domain.Order
	subscribed map[string]bool
	balance    decimal.Decimal
	session    string
	queue      []Event
	wake       chan struct{}
}

// NewPaper creates a disconnected paper platform
func NewPaper(cfg PaperConfig, logger *zap.Logger) *Paper {
	cfg.applyDefaults()
	return &Paper{
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "paper")),
		state:      NewConnState(),
		out:        make(chan Event),
		quotes:     make(map[string]domain.Tick),
		subscribed: make(map[string]bool),
		balance:    decimal.NewFromFloat(cfg.Balance),
		wake:       make(chan struct{}, 1),
	}
}

// Run pumps queued events to Events until ctx is done
func (p *Paper) Run(ctx context.Context) error {
	defer close(p.out)

	for {
		p.mu.Lock()
		var next *Event
		if len(p.queue) > 0 {
			ev := p.queue[0]
			p.queue = p.queue[1:]
			next = &ev
		}
		p.mu.Unlock()

		if next == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.wake:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case p.out <- *next:
		}
	}
}

func (p *Paper) State() *ConnState    { return p.state }
func (p *Paper) Events() <-chan Event { return p.out }

// Connect starts a new session
func (p *Paper) Connect(context.Context) error {
	p.mu.Lock()
	p.session = uuid.NewString()
	p.enqueueLocked(Event{Kind: EventAccount, Account: p.accountLocked()})
	p.mu.Unlock()

	p.state.Set(true)
	p.logger.Info("paper session connected")
	return nil
}

// Resume reattaches to the current session
func (p *Paper) Resume(context.Context) error {
	if !p.ResumeAllowed() {
		return ErrResumeRejected
	}
	p.state.Set(true)
	p.logger.Info("paper session resumed")
	return nil
}

// ResumeAllowed reports whether a session exists to resume
func (p *Paper) ResumeAllowed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session != ""
}

// Disconnect drops the connection. dropSession also invalidates the session
// so only a full connect can restore it.
func (p *Paper) Disconnect(dropSession bool) {
	p.mu.Lock()
	if dropSession {
		p.session = ""
	}
	p.mu.Unlock()

	p.state.Set(false)
	p.logger.Warn("paper session disconnected", zap.Bool("session_dropped", dropSession))
}

// Quote records the latest prices and emits a tick for subscribed instruments
func (p *Paper) Quote(tick domain.Tick) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.quotes[tick.Instrument] = tick
	if p.state.Connected() && p.subscribed[tick.Instrument] {
		p.enqueueLocked(Event{Kind: EventTick, Tick: tick})
	}
}

func (p *Paper) Subscribed(context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.subscribed))
	for sym := range p.subscribed {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out, nil
}

// Subscribe replaces the subscription set
func (p *Paper) Subscribe(_ context.Context, instruments []string) error {
	if !p.state.Connected() {
		return ErrNotConnected
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.subscribed = make(map[string]bool, len(instruments))
	for _, sym := range instruments {
		p.subscribed[sym] = true
	}
	return nil
}

// Orders returns copies of all orders that are not closed or canceled
func (p *Paper) Orders(context.Context) ([]domain.Order, error) {
	if !p.state.Connected() {
		return nil, ErrNotConnected
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var out []domain.Order
	for _, o := range p.orders {
		if isLive(o) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (p *Paper) Account(context.Context) (domain.Account, error) {
	if !p.state.Connected() {
		return domain.Account{}, ErrNotConnected
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accountLocked(), nil
}

// SubmitOrder places a market order. The outcome is reported asynchronously.
func (p *Paper) SubmitOrder(_ context.Context, label, instrument string, dir domain.Direction, lots float64) error {
	if !p.state.Connected() {
		return ErrNotConnected
	}
	if label == "" {
		return errors.New("empty label")
	}
	if lots <= 0 {
		return fmt.Errorf("invalid amount %v", lots)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, o := range p.orders {
		if o.Label == label && isLive(o) {
			return fmt.Errorf("%w: %s", ErrDuplicateLabel, label)
		}
	}

	order := &domain.Order{
		ID:         uuid.NewString(),
		Label:      label,
		Instrument: instrument,
		Direction:  dir,
		State:      domain.OrderOpened,
		Amount:     lots,
		CreatedAt:  time.Now(),
	}
	p.orders = append(p.orders, order)
	p.enqueueLocked(Event{Kind: EventOrder, Order: domain.OrderEvent{Kind: domain.SubmitOK, Order: *order}})

	p.fillLocked(order)
	return nil
}

func (p *Paper) fillLocked(order *domain.Order) {
	quote, ok := p.quotes[order.Instrument]
	if !ok {
		p.rejectFillLocked(order, "no quote for instrument")
		return
	}

	price := quote.Bid
	if order.Direction.IsLong() {
		price = quote.Ask
	}

	acct := p.accountLocked()
	if p.marginFor(order.Amount, price).InexactFloat64() > acct.FreeMargin() {
		p.rejectFillLocked(order, "not enough margin")
		return
	}

	order.State = domain.OrderFilled
	order.OpenPrice = price
	p.enqueueLocked(Event{Kind: EventOrder, Order: domain.OrderEvent{Kind: domain.FillOK, Order: *order}})
	p.enqueueLocked(Event{Kind: EventAccount, Account: p.accountLocked()})
}

func (p *Paper) rejectFillLocked(order *domain.Order, reason string) {
	order.State = domain.OrderCanceled
	p.enqueueLocked(Event{Kind: EventOrder, Order: domain.OrderEvent{Kind: domain.FillRejected, Order: *order, Reason: reason}})
}

// CloseOrder closes a filled order at the current quote. The outcome is reported asynchronously.
func (p *Paper) CloseOrder(_ context.Context, order domain.Order) error {
	if !p.state.Connected() {
		return ErrNotConnected
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var target *domain.Order
	for _, o := range p.orders {
		if o.ID == order.ID {
			target = o
			break
		}
	}
	if target == nil {
		return fmt.Errorf("unknown order %s", order.ID)
	}

	if target.State != domain.OrderFilled {
		p.rejectCloseLocked(target, fmt.Sprintf("order is %s", target.State))
		return nil
	}
	quote, ok := p.quotes[target.Instrument]
	if !ok {
		p.rejectCloseLocked(target, "no quote for instrument")
		return nil
	}

	price := quote.Ask
	if target.Direction.IsLong() {
		price = quote.Bid
	}

	p.balance = p.balance.Add(p.pnl(target, price))
	target.State = domain.OrderClosed
	target.ClosePrice = price
	p.enqueueLocked(Event{Kind: EventOrder, Order: domain.OrderEvent{Kind: domain.CloseOK, Order: *target}})
	p.enqueueLocked(Event{Kind: EventAccount, Account: p.accountLocked()})
	return nil
}

func (p *Paper) rejectCloseLocked(order *domain.Order, reason string) {
	p.enqueueLocked(Event{Kind: EventOrder, Order: domain.OrderEvent{Kind: domain.CloseRejected, Order: *order, Reason: reason}})
}

// accountLocked marks filled orders to market: equity includes unrealized P&L
// and used margin is notional over leverage.
func (p *Paper) accountLocked() domain.Account {
	equity := p.balance
	used := decimal.Zero

	for _, o := range p.orders {
		if o.State != domain.OrderFilled {
			continue
		}
		used = used.Add(p.marginFor(o.Amount, o.OpenPrice))
		if quote, ok := p.quotes[o.Instrument]; ok {
			mark := quote.Ask
			if o.Direction.IsLong() {
				mark = quote.Bid
			}
			equity = equity.Add(p.pnl(o, mark))
		}
	}

	return domain.Account{
		Equity:     equity.InexactFloat64(),
		UsedMargin: used.InexactFloat64(),
	}
}

func (p *Paper) pnl(o *domain.Order, price float64) decimal.Decimal {
	diff := decimal.NewFromFloat(price).Sub(decimal.NewFromFloat(o.OpenPrice))
	if !o.Direction.IsLong() {
		diff = diff.Neg()
	}
	return diff.Mul(p.units(o.Amount))
}

func (p *Paper) marginFor(lots, price float64) decimal.Decimal {
	notional := p.units(lots).Mul(decimal.NewFromFloat(price))
	return notional.Div(decimal.NewFromFloat(p.cfg.Leverage))
}

func (p *Paper) units(lots float64) decimal.Decimal {
	return decimal.NewFromFloat(lots).Mul(decimal.NewFromFloat(p.cfg.LotSize))
}

// enqueueLocked appends ev. A tick replaces any still-queued tick for the same
// instrument, so a slow consumer only ever sees the latest quote.
func (p *Paper) enqueueLocked(ev Event) {
	if ev.Kind == EventTick {
		for i, queued := range p.queue {
			if queued.Kind == EventTick && queued.Tick.Instrument == ev.Tick.Instrument {
				p.queue = append(p.queue[:i], p.queue[i+1:]...)
				break
			}
		}
	}
	p.queue = append(p.queue, ev)
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func isLive(o *domain.Order) bool {
	return o.State != domain.OrderClosed && o.State != domain.OrderCanceled
}
