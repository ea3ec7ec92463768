package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ismaiel54/advisor-bridge/internal/domain"
	"github.com/ismaiel54/advisor-bridge/internal/msg"
	"github.com/ismaiel54/advisor-bridge/internal/protocol"
)

type fakePlatform struct {
	orders     []domain.Order
	ordersErr  error
	subscribed []string
	account    domain.Account
	accountErr error

	submitErr map[string]error
	closeErr  map[string]error

	calls      []string
	submitted  []submittedOrder
	subscribes [][]string
}

type submittedOrder struct {
	label      string
	instrument string
	dir        domain.Direction
	lots       float64
}

func (p *fakePlatform) Orders(context.Context) ([]domain.Order, error) {
	p.calls = append(p.calls, "orders")
	return p.orders, p.ordersErr
}

func (p *fakePlatform) SubmitOrder(_ context.Context, label, instrument string, dir domain.Direction, lots float64) error {
	p.calls = append(p.calls, "submit:"+label)
	if err := p.submitErr[label]; err != nil {
		return err
	}
	p.submitted = append(p.submitted, submittedOrder{label: label, instrument: instrument, dir: dir, lots: lots})
	return nil
}

func (p *fakePlatform) CloseOrder(_ context.Context, order domain.Order) error {
	p.calls = append(p.calls, "close:"+order.Label)
	return p.closeErr[order.Label]
}

func (p *fakePlatform) Account(context.Context) (domain.Account, error) {
	return p.account, p.accountErr
}

func (p *fakePlatform) Subscribed(context.Context) ([]string, error) {
	return p.subscribed, nil
}

func (p *fakePlatform) Subscribe(_ context.Context, instruments []string) error {
	p.subscribes = append(p.subscribes, instruments)
	return nil
}

func (p *fakePlatform) orderCalls() []string {
	var out []string
	for _, c := range p.calls {
		if c != "orders" {
			out = append(out, c)
		}
	}
	return out
}

type tickCall struct {
	instrument string
	at         time.Time
	ask, bid   float64
	equity     float64
	freeMargin float64
}

type fakeAdvisor struct {
	advice       protocol.Advice
	tickErr      error
	syncErr      map[string]error
	notifyErr    error
	reconnectErr error

	ticks      []tickCall
	syncs      []string
	notifies   []string
	reconnects int
}

func (a *fakeAdvisor) Sync(_ context.Context, instrument, id string, _ time.Time, dir domain.Direction, price float64, qty int64) error {
	a.syncs = append(a.syncs, fmt.Sprintf("%s:%s:%s:%v:%d", instrument, id, dir, price, qty))
	return a.syncErr[id]
}

func (a *fakeAdvisor) Tick(_ context.Context, instrument string, at time.Time, ask, bid, equity, freeMargin float64) (protocol.Advice, error) {
	a.ticks = append(a.ticks, tickCall{instrument, at, ask, bid, equity, freeMargin})
	if a.tickErr != nil {
		return protocol.Advice{}, a.tickErr
	}
	return a.advice, nil
}

func (a *fakeAdvisor) OpenNotify(_ context.Context, instrument, id string, ok bool, price float64) error {
	a.notifies = append(a.notifies, fmt.Sprintf("open_notify:%s:%s:%t:%v", instrument, id, ok, price))
	return a.notifyErr
}

func (a *fakeAdvisor) CloseNotify(_ context.Context, instrument, id string, ok bool, price float64) error {
	a.notifies = append(a.notifies, fmt.Sprintf("close_notify:%s:%s:%t:%v", instrument, id, ok, price))
	return a.notifyErr
}

func (a *fakeAdvisor) Reconnect(context.Context) error {
	a.reconnects++
	return a.reconnectErr
}

type fakeRecorder struct {
	events []msg.BridgeEventMsg
	err    error
}

func (r *fakeRecorder) Record(_ context.Context, ev msg.BridgeEventMsg) error {
	r.events = append(r.events, ev)
	return r.err
}

func (r *fakeRecorder) kinds() []string {
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

var errRefused = errors.New("connection refused")
