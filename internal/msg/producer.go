package msg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// KindHeader carries the event kind so consumers can filter without decoding
const KindHeader = "Bridge-Kind"

// DefaultProduceTimeout bounds one synchronous journal produce
const DefaultProduceTimeout = 5 * time.Second

// ErrEmptyKey rejects a journal record without a key. Keys keep a label's
// submit and close on one partition.
var ErrEmptyKey = errors.New("journal record has no key")

// ProducerOptions tunes a journal producer
type ProducerOptions struct {
	ClientID string
	// Timeout bounds each produce. Zero uses DefaultProduceTimeout.
	Timeout time.Duration
	// StatsInterval of zero disables the periodic stats log
	StatsInterval time.Duration
}

// ProducerStats counts journal records by outcome
type ProducerStats struct {
	Produced int64
	// Rejected records never reached the broker: no key or not encodable
	Rejected int64
	Failed   int64
	ByKind   map[string]int64
}

// journalStats is shared by the Kafka and NATS producers
type journalStats struct {
	mu       sync.Mutex
	produced int64
	rejected int64
	failed   int64
	byKind   map[string]int64
}

func newJournalStats() *journalStats {
	return &journalStats{byKind: make(map[string]int64)}
}

func (s *journalStats) observe(kind string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err == nil:
		s.produced++
		if kind != "" {
			s.byKind[kind]++
		}
	case errors.Is(err, ErrEmptyKey), errors.Is(err, errEncode):
		s.rejected++
	default:
		s.failed++
	}
}

func (s *journalStats) snapshot() ProducerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := ProducerStats{
		Produced: s.produced,
		Rejected: s.rejected,
		Failed:   s.failed,
		ByKind:   make(map[string]int64, len(s.byKind)),
	}
	for k, n := range s.byKind {
		out.ByKind[k] = n
	}
	return out
}

var errEncode = errors.New("failed to encode journal record")

// encodeJournal validates the key and marshals v. The kind is taken from
// v when it is a bridge event.
func encodeJournal(key string, v any) (data []byte, kind string, err error) {
	if key == "" {
		return nil, "", ErrEmptyKey
	}
	switch ev := v.(type) {
	case BridgeEventMsg:
		kind = ev.Kind
	case *BridgeEventMsg:
		if ev != nil {
			kind = ev.Kind
		}
	}
	data, err = json.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", errEncode, err)
	}
	return data, kind, nil
}

// Producer ships journal events to Kafka
type Producer struct {
	client    *kgo.Client
	logger    *zap.Logger
	timeout   time.Duration
	stats     *journalStats
	done      chan struct{}
	closeOnce sync.Once
}

// NewProducer creates a Kafka journal producer. Records are partitioned by
// key and acknowledged by all in-sync replicas.
func NewProducer(brokers []string, opts ProducerOptions, logger *zap.Logger) (*Producer, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultProduceTimeout
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(opts.ClientID),
		kgo.DefaultProduceTopic(TopicBridgeEvents),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(0),
		kgo.ProduceRequestTimeout(opts.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	p := &Producer{
		client:  client,
		logger:  logger.With(zap.String("component", "kafka-journal")),
		timeout: opts.Timeout,
		stats:   newJournalStats(),
		done:    make(chan struct{}),
	}
	p.logger.Info("producer initialized",
		zap.Strings("brokers", brokers),
		zap.String("client_id", opts.ClientID),
		zap.Duration("timeout", opts.Timeout),
	)

	if opts.StatsInterval > 0 {
		go logJournalStats(p.logger, p.stats, opts.StatsInterval, p.done)
	}
	return p, nil
}

// ProduceJSON produces v under key and waits for the broker ack. An empty
// topic uses the bridge events topic.
func (p *Producer) ProduceJSON(ctx context.Context, topic string, key string, v any) error {
	data, kind, err := encodeJournal(key, v)
	if err != nil {
		p.stats.observe(kind, err)
		return err
	}

	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: data,
	}
	if kind != "" {
		record.Headers = []kgo.RecordHeader{{Key: KindHeader, Value: []byte(kind)}}
	}

	produceCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err = p.client.ProduceSync(produceCtx, record).FirstErr()
	p.stats.observe(kind, err)
	if err != nil {
		return fmt.Errorf("failed to produce %s record %s: %w", kind, key, err)
	}
	return nil
}

// Stats returns a snapshot of the producer counters
func (p *Producer) Stats() ProducerStats {
	return p.stats.snapshot()
}

// Close stops the stats loop and closes the client. It is safe to call twice.
func (p *Producer) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.client.Close()
	})
}

// logJournalStats logs the counters every interval, skipping quiet periods
func logJournalStats(logger *zap.Logger, stats *journalStats, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last ProducerStats
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s := stats.snapshot()
			if s.Produced == last.Produced && s.Rejected == last.Rejected && s.Failed == last.Failed {
				continue
			}
			logger.Info("journal producer stats",
				zap.Int64("produced", s.Produced),
				zap.Int64("rejected", s.Rejected),
				zap.Int64("failed", s.Failed),
				zap.Any("by_kind", s.ByKind),
			)
			last = s
		}
	}
}
