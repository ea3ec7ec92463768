package msg

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// KeyHeader carries the partitioning key on NATS messages
const KeyHeader = "Bridge-Key"

// NATSProducer publishes journal events to NATS subjects named after the topic
type NATSProducer struct {
	conn   *nats.Conn
	logger *zap.Logger
	stats  *journalStats
}

// NewNATSProducer connects to the NATS server at url
func NewNATSProducer(url string, logger *zap.Logger) (*NATSProducer, error) {
	conn, err := connectNATS(url, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("nats producer initialized", zap.String("url", url))
	return &NATSProducer{conn: conn, logger: logger, stats: newJournalStats()}, nil
}

// ProduceJSON publishes v under key and waits for the server to acknowledge
// the publish with a flush
func (p *NATSProducer) ProduceJSON(ctx context.Context, topic string, key string, v any) error {
	data, kind, err := encodeJournal(key, v)
	if err != nil {
		p.stats.observe(kind, err)
		return err
	}
	if topic == "" {
		topic = TopicBridgeEvents
	}

	m := nats.NewMsg(topic)
	m.Header.Set(KeyHeader, key)
	if kind != "" {
		m.Header.Set(KindHeader, kind)
	}
	m.Data = data
	if err := p.conn.PublishMsg(m); err != nil {
		p.stats.observe(kind, err)
		return fmt.Errorf("failed to publish message: %w", err)
	}

	flushCtx, cancel := context.WithTimeout(ctx, DefaultProduceTimeout)
	defer cancel()
	err = p.conn.FlushWithContext(flushCtx)
	p.stats.observe(kind, err)
	if err != nil {
		return fmt.Errorf("failed to flush message: %w", err)
	}
	return nil
}

// Stats returns a snapshot of the producer counters
func (p *NATSProducer) Stats() ProducerStats {
	return p.stats.snapshot()
}

// Close drains and closes the connection
func (p *NATSProducer) Close() {
	if p.conn != nil {
		if err := p.conn.Drain(); err != nil {
			p.conn.Close()
		}
	}
}

// NATSConsumer subscribes to journal subjects
type NATSConsumer struct {
	conn     *nats.Conn
	logger   *zap.Logger
	subjects []string
}

// NewNATSConsumer connects to url and prepares subscriptions on subjects
func NewNATSConsumer(url string, subjects []string, logger *zap.Logger) (*NATSConsumer, error) {
	conn, err := connectNATS(url, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("nats consumer initialized",
		zap.String("url", url),
		zap.Strings("subjects", subjects),
	)
	return &NATSConsumer{conn: conn, logger: logger, subjects: subjects}, nil
}

// Run delivers messages to handler until ctx is done. Handler errors are
// logged and the message is dropped.
func (c *NATSConsumer) Run(ctx context.Context, handler Handler) error {
	ch := make(chan *nats.Msg, 256)
	for _, subject := range c.subjects {
		sub, err := c.conn.ChanSubscribe(subject, ch)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		defer sub.Unsubscribe()
	}

	var seq int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-ch:
			seq++
			rec := Record{
				Topic:     m.Subject,
				Key:       m.Header.Get(KeyHeader),
				Value:     m.Data,
				Offset:    seq,
				Timestamp: time.Now().UnixMilli(),
			}
			if err := handler(ctx, rec); err != nil {
				c.logger.Error("handler failed",
					zap.String("subject", rec.Topic),
					zap.String("key", rec.Key),
					zap.Error(err),
				)
			}
		}
	}
}

// Close closes the connection
func (c *NATSConsumer) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

func connectNATS(url string, logger *zap.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats %s: %w", url, err)
	}
	return conn, nil
}

