package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ismaiel54/advisor-bridge/internal/msg"
	"go.uber.org/zap"
)

// Sink ships journal events to a broker. msg.Producer and msg.NATSProducer
// both satisfy it.
type Sink interface {
	ProduceJSON(ctx context.Context, topic string, key string, v any) error
}

// Publisher drains unpublished journal entries into a Sink
type Publisher struct {
	store     *Store
	sink      Sink
	logger    *zap.Logger
	interval  time.Duration
	batchSize int
}

// NewPublisher creates a new journal publisher
func NewPublisher(store *Store, sink Sink, logger *zap.Logger) *Publisher {
	return &Publisher{
		store:     store,
		sink:      sink,
		logger:    logger.With(zap.String("component", "journal-publisher")),
		interval:  250 * time.Millisecond,
		batchSize: 100,
	}
}

// Run starts the publisher loop
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.publishBatch(ctx); err != nil {
				p.logger.Error("failed to publish batch", zap.Error(err))
			}
		}
	}
}

func (p *Publisher) publishBatch(ctx context.Context) error {
	entries, err := p.store.ListUnpublished(ctx, p.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list unpublished events: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	now := time.Now().UnixMilli()
	published := 0

	for _, entry := range entries {
		var ev msg.BridgeEventMsg
		if err := json.Unmarshal([]byte(entry.PayloadJSON), &ev); err != nil {
			p.logger.Error("failed to unmarshal event payload",
				zap.String("event_id", entry.EventID),
				zap.Error(err),
			)
			continue
		}

		// Stop at the first failure so the topic keeps journal order
		if err := p.sink.ProduceJSON(ctx, entry.Topic, entry.Key, ev); err != nil {
			p.logger.Error("failed to produce event",
				zap.String("event_id", entry.EventID),
				zap.String("kind", entry.Kind),
				zap.Error(err),
			)
			break
		}

		if err := p.store.MarkPublished(ctx, entry.EventID, now); err != nil {
			p.logger.Error("failed to mark event as published",
				zap.String("event_id", entry.EventID),
				zap.Error(err),
			)
			break
		}

		published++
		p.logger.Debug("published journal event",
			zap.String("event_id", entry.EventID),
			zap.String("kind", entry.Kind),
		)
	}

	if published > 0 {
		p.logger.Info("published journal batch",
			zap.Int("published", published),
			zap.Int("total", len(entries)),
		)
	}
	return nil
}
