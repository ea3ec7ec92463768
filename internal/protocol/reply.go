package protocol

import (
	"bytes"
	"encoding/json"
)

// Status is the reply status tag
type Status string

const (
	StatusAck    Status = "ack"
	StatusError  Status = "error"
	StatusAdvice Status = "advice"
)

// Reply is one inbound message: Ack, ErrorReply or AdviceReply
type Reply interface {
	Status() Status
}

// Ack acknowledges a request
type Ack struct{}

// ErrorReply carries an explicit advisor error
type ErrorReply struct {
	Message string
}

// AdviceReply carries advisor operations in the order they were sent
type AdviceReply struct {
	Operations []Operation
}

func (Ack) Status() Status         { return StatusAck }
func (ErrorReply) Status() Status  { return StatusError }
func (AdviceReply) Status() Status { return StatusAdvice }

// Operation is a single advisor instruction as received on the wire.
// Qty is nil when the field was absent.
type Operation struct {
	Op  string
	ID  string
	Qty *json.Number
}

type rawReply struct {
	Status     *string         `json:"status"`
	Message    *string         `json:"message"`
	Operations *[]rawOperation `json:"operations"`
}

type rawOperation struct {
	Op  *string      `json:"op"`
	ID  *string      `json:"id"`
	Qty *json.Number `json:"qty"`
}

// Decode parses one reply line
func Decode(line []byte) (Reply, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, invalidReply("empty line")
	}

	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	var raw rawReply
	if err := dec.Decode(&raw); err != nil {
		return nil, invalidReply("malformed json: %v", err)
	}
	if dec.More() {
		return nil, invalidReply("trailing data after reply object")
	}
	if raw.Status == nil {
		return nil, invalidReply("missing status")
	}

	switch Status(*raw.Status) {
	case StatusAck:
		return Ack{}, nil
	case StatusError:
		if raw.Message == nil {
			return nil, invalidReply("error reply without message")
		}
		return ErrorReply{Message: *raw.Message}, nil
	case StatusAdvice:
		if raw.Operations == nil {
			return nil, invalidReply("advice reply without operations")
		}
		ops := make([]Operation, 0, len(*raw.Operations))
		for i, op := range *raw.Operations {
			if op.Op == nil {
				return nil, invalidReply("operation %d: missing op", i)
			}
			if op.ID == nil {
				return nil, invalidReply("operation %d: missing id", i)
			}
			ops = append(ops, Operation{Op: *op.Op, ID: *op.ID, Qty: op.Qty})
		}
		return AdviceReply{Operations: ops}, nil
	default:
		return nil, invalidReply("illegal status %q", *raw.Status)
	}
}
