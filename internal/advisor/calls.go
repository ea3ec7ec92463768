package advisor

import (
	"context"
	"errors"
	"time"

	"github.com/ismaiel54/advisor-bridge/internal/domain"
	"github.com/ismaiel54/advisor-bridge/internal/protocol"
	"go.uber.org/zap"
)

// Sync reports an existing broker position. qty is in wire units.
func (c *Connector) Sync(ctx context.Context, instrument, id string, opened time.Time, dir domain.Direction, price float64, qty int64) error {
	return c.expectAck(ctx, protocol.SyncRequest{
		Instrument: instrument,
		ID:         id,
		Timestamp:  protocol.FormatTimestamp(opened),
		Direction:  dir,
		Price:      price,
		Qty:        qty,
	})
}

// Tick forwards prices and account figures and returns the interpreted advice
func (c *Connector) Tick(ctx context.Context, instrument string, at time.Time, ask, bid, equity, freeMargin float64) (protocol.Advice, error) {
	req := protocol.TickRequest{
		Instrument: instrument,
		Timestamp:  protocol.FormatTimestamp(at),
		Ask:        ask,
		Bid:        bid,
		Equity:     equity,
		FreeMargin: freeMargin,
	}

	reply, err := c.Exchange(ctx, req)
	if err != nil {
		return protocol.Advice{}, err
	}
	advice, err := protocol.Interpret(reply)
	if err != nil {
		return protocol.Advice{}, tagMethod(err, req.Method())
	}
	return advice, nil
}

// OpenNotify reports the outcome of an open
func (c *Connector) OpenNotify(ctx context.Context, instrument, id string, ok bool, price float64) error {
	return c.expectAck(ctx, protocol.NotifyRequest{Instrument: instrument, ID: id, Status: ok, Price: price})
}

// CloseNotify reports the outcome of a close
func (c *Connector) CloseNotify(ctx context.Context, instrument, id string, ok bool, price float64) error {
	return c.expectAck(ctx, protocol.NotifyRequest{Instrument: instrument, ID: id, Status: ok, Price: price, Close: true})
}

func (c *Connector) expectAck(ctx context.Context, req protocol.Request) error {
	reply, err := c.Exchange(ctx, req)
	if err != nil {
		return err
	}

	hadAdvice, err := protocol.ExpectAck(reply)
	if err != nil {
		return tagMethod(err, req.Method())
	}
	if hadAdvice {
		c.logger.Warn("ignoring advice received outside of tick",
			zap.String("method", string(req.Method())),
		)
	}
	return nil
}

func tagMethod(err error, method protocol.Method) error {
	var aerr *protocol.AdvisorError
	if errors.As(err, &aerr) {
		aerr.Method = method
	}
	return err
}
