package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ismaiel54/advisor-bridge/internal/logging"
	"github.com/ismaiel54/advisor-bridge/internal/msg"
	"go.uber.org/zap"
)

type consumer interface {
	Run(ctx context.Context, handler msg.Handler) error
	Close()
}

func main() {
	duration := flag.Duration("duration", 30*time.Second, "how long to consume")
	source := flag.String("source", "kafka", "kafka or nats")
	brokers := flag.String("brokers", "127.0.0.1:9092", "comma separated kafka brokers")
	natsURL := flag.String("nats-url", "nats://127.0.0.1:4222", "nats server url")
	topic := flag.String("topic", msg.TopicBridgeEvents, "journal topic or subject")
	flag.Parse()

	logger, err := logging.NewLogger("journal-verifier", "info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting journal verifier",
		zap.Duration("duration", *duration),
		zap.String("source", *source),
		zap.String("topic", *topic),
	)

	var c consumer
	switch *source {
	case "kafka":
		var brokerList []string
		for _, b := range strings.Split(*brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokerList = append(brokerList, b)
			}
		}
		c, err = msg.NewConsumer(brokerList, msg.GroupJournalVerifier, []string{*topic}, true, logger)
	case "nats":
		c, err = msg.NewNATSConsumer(*natsURL, []string{*topic}, logger)
	default:
		err = fmt.Errorf("unknown source %q", *source)
	}
	if err != nil {
		logger.Fatal("failed to create consumer", zap.Error(err))
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	v := NewVerifier()
	err = c.Run(ctx, func(ctx context.Context, rec msg.Record) error {
		var ev msg.BridgeEventMsg
		if err := json.Unmarshal(rec.Value, &ev); err != nil {
			logger.Warn("failed to unmarshal event", zap.Error(err))
			return nil
		}
		v.Observe(ev)

		logger.Debug("consumed event",
			zap.String("event_id", ev.EventID),
			zap.String("kind", ev.Kind),
			zap.String("label", ev.Label),
			zap.Int64("offset", rec.Offset),
		)
		return nil
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error("consumer error", zap.Error(err))
	}

	report := v.Report()
	report.Print(os.Stdout)
	if !report.Passed() {
		os.Exit(1)
	}
}
