package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/ismaiel54/advisor-bridge/internal/domain"
)

// Method is the request method tag
type Method string

const (
	MethodInit        Method = "init"
	MethodSync        Method = "sync"
	MethodTick        Method = "tick"
	MethodOpenNotify  Method = "open_notify"
	MethodCloseNotify Method = "close_notify"
)

// Request is one outbound message
type Request interface {
	Method() Method
	validate() error
}

// InitRequest opens an advisor session
type InitRequest struct {
	SessionID   string   `json:"sessid"`
	Instruments []string `json:"instruments"`
}

// SyncRequest reports a position that already exists on the broker
type SyncRequest struct {
	Instrument string           `json:"instrument"`
	ID         string           `json:"id"`
	Timestamp  string           `json:"timestamp"`
	Direction  domain.Direction `json:"direction"`
	Price      float64          `json:"price"`
	Qty        int64            `json:"qty"`
}

// TickRequest forwards prices and account state
type TickRequest struct {
	Instrument string  `json:"instrument"`
	Timestamp  string  `json:"timestamp"`
	Ask        float64 `json:"ask"`
	Bid        float64 `json:"bid"`
	Equity     float64 `json:"equity"`
	FreeMargin float64 `json:"free_margin"`
}

// NotifyRequest reports the outcome of an open or close. Close selects close_notify.
type NotifyRequest struct {
	Instrument string  `json:"instrument"`
	ID         string  `json:"id"`
	Status     bool    `json:"status"`
	Price      float64 `json:"price"`
	Close      bool    `json:"-"`
}

func (InitRequest) Method() Method { return MethodInit }
func (SyncRequest) Method() Method { return MethodSync }
func (TickRequest) Method() Method { return MethodTick }

func (r NotifyRequest) Method() Method {
	if r.Close {
		return MethodCloseNotify
	}
	return MethodOpenNotify
}

func (r InitRequest) validate() error {
	if r.SessionID == "" {
		return invalidRequest("init: empty session id")
	}
	if len(r.Instruments) == 0 {
		return invalidRequest("init: empty instrument set")
	}
	return nil
}

func (r SyncRequest) validate() error {
	if r.Instrument == "" {
		return invalidRequest("sync: empty instrument")
	}
	if r.ID == "" {
		return invalidRequest("sync: empty position identifier")
	}
	if _, err := domain.ParseDirection(string(r.Direction)); err != nil {
		return invalidRequest("sync: %v", err)
	}
	return nil
}

func (r TickRequest) validate() error {
	if r.Instrument == "" {
		return invalidRequest("tick: empty instrument")
	}
	return nil
}

func (r NotifyRequest) validate() error {
	if r.Instrument == "" {
		return invalidRequest("%s: empty instrument", r.Method())
	}
	if r.ID == "" {
		return invalidRequest("%s: empty position identifier", r.Method())
	}
	return nil
}

// Encode renders req as a single-line JSON object without a line terminator
func Encode(req Request) ([]byte, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var v any
	switch r := req.(type) {
	case InitRequest:
		v = struct {
			Method Method `json:"method"`
			InitRequest
		}{MethodInit, r}
	case SyncRequest:
		v = struct {
			Method Method `json:"method"`
			SyncRequest
		}{MethodSync, r}
	case TickRequest:
		v = struct {
			Method Method `json:"method"`
			TickRequest
		}{MethodTick, r}
	case NotifyRequest:
		v = struct {
			Method Method `json:"method"`
			NotifyRequest
		}{r.Method(), r}
	default:
		return nil, invalidRequest("unsupported request type %T", req)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", req.Method(), err)
	}
	return data, nil
}
