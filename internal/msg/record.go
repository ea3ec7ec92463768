package msg

import "context"

// Record is a consumed journal message, from Kafka or NATS
type Record struct {
	Topic     string
	Key       string
	Value     []byte
	Partition int32
	Offset    int64
	Timestamp int64
}

// Handler processes one consumed record
type Handler func(ctx context.Context, rec Record) error
