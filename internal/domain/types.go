package domain

import (
	"fmt"
	"sort"
	"time"
)

// Direction is the side of a position
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// ParseDirection parses the wire representation of a direction
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case Long, Short:
		return Direction(s), nil
	default:
		return "", fmt.Errorf("unknown direction %q", s)
	}
}

// IsLong reports whether the direction is LONG
func (d Direction) IsLong() bool {
	return d == Long
}

// OrderState is the broker-side lifecycle state of an order
type OrderState string

const (
	OrderCreated  OrderState = "CREATED"
	OrderOpened   OrderState = "OPENED"
	OrderFilled   OrderState = "FILLED"
	OrderClosed   OrderState = "CLOSED"
	OrderCanceled OrderState = "CANCELED"
)

// Order is a broker order as seen by the bridge
type Order struct {
	ID         string
	Label      string
	Instrument string
	Direction  Direction
	State      OrderState
	OpenPrice  float64
	ClosePrice float64

	// Amount is the requested size in lots
	Amount    float64
	CreatedAt time.Time
}

// Tick is a best bid/ask update for one instrument
type Tick struct {
	Instrument string
	Ask        float64
	Bid        float64
	Time       time.Time
}

// Account holds the account figures forwarded to the advisor
type Account struct {
	Equity     float64
	UsedMargin float64
}

// FreeMargin returns equity minus used margin
func (a Account) FreeMargin() float64 {
	return a.Equity - a.UsedMargin
}

// OrderEventKind identifies a broker order-lifecycle notification
type OrderEventKind string

const (
	SubmitOK       OrderEventKind = "SUBMIT_OK"
	SubmitRejected OrderEventKind = "SUBMIT_REJECTED"
	FillOK         OrderEventKind = "FILL_OK"
	FillRejected   OrderEventKind = "FILL_REJECTED"
	CloseOK        OrderEventKind = "CLOSE_OK"
	CloseRejected  OrderEventKind = "CLOSE_REJECTED"
)

// OrderEvent is a broker order-lifecycle notification
type OrderEvent struct {
	Kind   OrderEventKind
	Order  Order
	Reason string
}

// InstrumentSet is the configured universe of tradable symbols
type InstrumentSet map[string]struct{}

// NewInstrumentSet builds a set from the given symbols
func NewInstrumentSet(symbols ...string) InstrumentSet {
	s := make(InstrumentSet, len(symbols))
	for _, sym := range symbols {
		s[sym] = struct{}{}
	}
	return s
}

// Contains reports whether symbol is in the set
func (s InstrumentSet) Contains(symbol string) bool {
	_, ok := s[symbol]
	return ok
}

// Missing returns the members of s that are not in subscribed, sorted
func (s InstrumentSet) Missing(subscribed []string) []string {
	have := NewInstrumentSet(subscribed...)
	var missing []string
	for sym := range s {
		if !have.Contains(sym) {
			missing = append(missing, sym)
		}
	}
	sort.Strings(missing)
	return missing
}

// Symbols returns the members of the set in sorted order
func (s InstrumentSet) Symbols() []string {
	out := make([]string, 0, len(s))
	for sym := range s {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
