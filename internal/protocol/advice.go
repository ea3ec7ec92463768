package protocol

import (
	"github.com/ismaiel54/advisor-bridge/internal/domain"
)

const opClose = "close"

// OpenPosition is an advisor instruction to open a new position under ID
type OpenPosition struct {
	Direction domain.Direction
	ID        string
	// Qty is in wire units (micro-lots)
	Qty int64
}

// Advice is an interpreted advice reply. Both lists keep the advisor's order.
type Advice struct {
	Close []string
	Open  []OpenPosition
}

// Empty reports whether the advice carries no operations
func (a Advice) Empty() bool {
	return len(a.Close) == 0 && len(a.Open) == 0
}

// Interpret classifies reply. Ack yields empty advice, ErrorReply yields *AdvisorError and
// AdviceReply is materialized into close and open lists. A single unrecognized operation
// rejects the whole reply.
func Interpret(reply Reply) (Advice, error) {
	switch r := reply.(type) {
	case Ack:
		return Advice{}, nil
	case ErrorReply:
		return Advice{}, &AdvisorError{Message: r.Message}
	case AdviceReply:
		return interpretOperations(r.Operations)
	default:
		return Advice{}, invalidReply("unexpected reply type %T", reply)
	}
}

func interpretOperations(ops []Operation) (Advice, error) {
	var advice Advice
	for i, op := range ops {
		if op.Op == opClose {
			advice.Close = append(advice.Close, op.ID)
			continue
		}

		dir, err := domain.ParseDirection(op.Op)
		if err != nil {
			return Advice{}, invalidOperation("operation %d: illegal op %q", i, op.Op)
		}
		if op.Qty == nil {
			return Advice{}, invalidOperation("operation %d: %s %s without qty", i, op.Op, op.ID)
		}
		qty, err := op.Qty.Int64()
		if err != nil {
			return Advice{}, invalidOperation("operation %d: qty %q is not an integer", i, op.Qty.String())
		}
		if qty <= 0 {
			return Advice{}, invalidOperation("operation %d: qty must be positive, got %d", i, qty)
		}

		advice.Open = append(advice.Open, OpenPosition{Direction: dir, ID: op.ID, Qty: qty})
	}
	return advice, nil
}

// ExpectAck accepts any non-error reply. Advice carried by a non-tick reply is validated
// and otherwise ignored; the returned bool reports whether advice was present.
func ExpectAck(reply Reply) (bool, error) {
	advice, err := Interpret(reply)
	if err != nil {
		return false, err
	}
	return !advice.Empty(), nil
}
