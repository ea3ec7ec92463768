package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ismaiel54/advisor-bridge/internal/advisor"
	"github.com/ismaiel54/advisor-bridge/internal/bridge"
	"github.com/ismaiel54/advisor-bridge/internal/broker"
	"github.com/ismaiel54/advisor-bridge/internal/chaos"
	"github.com/ismaiel54/advisor-bridge/internal/config"
	"github.com/ismaiel54/advisor-bridge/internal/domain"
	"github.com/ismaiel54/advisor-bridge/internal/journal"
	"github.com/ismaiel54/advisor-bridge/internal/logging"
	"github.com/ismaiel54/advisor-bridge/internal/msg"
	"github.com/ismaiel54/advisor-bridge/internal/observability"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const serviceName = "advisor-bridge"

// defaultMid seeds the paper feed for instruments without a configured price
const defaultMid = 1.0

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the YAML configuration")
	host := flag.String("host", "", "advisor host (overrides config)")
	port := flag.Int("port", 0, "advisor port (overrides config)")
	sessid := flag.String("sessid", "", "session id selecting the market (overrides config)")
	flag.Parse()

	cfg, err := config.Load(serviceName, *configPath, config.Overrides{
		Host:      *host,
		Port:      *port,
		SessionID: *sessid,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting advisor-bridge service",
		zap.String("sessid", cfg.SessionID),
		zap.String("bridge", cfg.Market.Bridge),
		zap.Strings("instruments", cfg.Market.Instruments),
		zap.String("advisor_addr", net.JoinHostPort(cfg.Advisor.Host, fmt.Sprint(cfg.Advisor.Port))),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("http_port", cfg.HTTPPort),
	)

	if cfg.Market.Bridge != config.BridgePaper {
		logger.Fatal("unsupported bridge", zap.String("bridge", cfg.Market.Bridge))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 8)
	run := func(name string, fn func(context.Context) error) {
		go func() {
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	// Broker platform
	paper := broker.NewPaper(broker.PaperConfig{
		Balance:  cfg.Paper.Balance,
		Leverage: cfg.Paper.Leverage,
		LotSize:  cfg.Paper.LotSize,
	}, logger)
	run("paper", paper.Run)

	start := make(map[string]float64, len(cfg.Market.Instruments))
	for _, sym := range cfg.Market.Instruments {
		start[sym] = defaultMid
		if mid, ok := cfg.Paper.Prices[sym]; ok && mid > 0 {
			start[sym] = mid
		}
	}
	feed := broker.NewSyntheticFeed(broker.FeedConfig{
		Start:    start,
		Interval: cfg.Paper.FeedInterval,
		Seed:     time.Now().UnixNano(),
	}, paper, logger)

	supervisor := broker.NewSupervisor(paper, broker.SupervisorConfig{
		LightReconnects: cfg.Broker.LightReconnects,
		RetryInterval:   cfg.Broker.RetryInterval,
		ConnectTimeout:  cfg.Broker.ConnectTimeout,
	}, logger)
	if err := supervisor.ConnectAndWait(ctx); err != nil {
		logger.Fatal("failed to connect to broker", zap.Error(err))
	}

	// Advisor link
	advOpts := advisor.Options{
		Host:         cfg.Advisor.Host,
		Port:         cfg.Advisor.Port,
		SessionID:    cfg.SessionID,
		Instruments:  cfg.Market.Instruments,
		MaxAttempts:  cfg.Advisor.ConnectAttempts,
		RetryDelay:   cfg.Advisor.RetryDelay,
		ReadTimeout:  cfg.Advisor.ReadTimeout,
		MaxLineBytes: cfg.Advisor.MaxLineBytes,
	}
	if chaosCfg := chaos.LoadConfig(); chaosCfg.Enabled {
		logger.Warn("chaos enabled for advisor link",
			zap.String("profile", chaosCfg.Profile),
			zap.Int("drop_pct", chaosCfg.DropPct),
		)
		advOpts.Dialer = chaos.NewDialer(&net.Dialer{}, chaos.New(chaosCfg, logger), "advisor")
	}
	adv, err := advisor.Connect(ctx, advOpts, logger)
	if err != nil {
		logger.Fatal("failed to connect to advisor", zap.Error(err))
	}

	// Journal
	var recorder bridge.Recorder
	var store *journal.Store
	var closeSink func()
	if cfg.Journal.Path != "" {
		store, err = journal.Open(cfg.Journal.Path, journal.Options{
			Topic:     cfg.Journal.Topic,
			LocalOnly: cfg.Journal.Sink == "none",
		})
		if err != nil {
			logger.Fatal("failed to open journal", zap.Error(err))
		}
		recorder = store
		logger.Info("journal opened", zap.String("path", cfg.Journal.Path))

		var sink journal.Sink
		switch cfg.Journal.Sink {
		case "kafka":
			producer, err := msg.NewProducer(cfg.Journal.KafkaBrokers, msg.ProducerOptions{
				ClientID:      cfg.ServiceName,
				StatsInterval: 30 * time.Second,
			}, logger)
			if err != nil {
				logger.Fatal("failed to create kafka producer", zap.Error(err))
			}
			sink, closeSink = producer, producer.Close
		case "nats":
			producer, err := msg.NewNATSProducer(cfg.Journal.NATSURL, logger)
			if err != nil {
				logger.Fatal("failed to create nats producer", zap.Error(err))
			}
			sink, closeSink = producer, producer.Close
		}
		if sink != nil {
			run("journal publisher", journal.NewPublisher(store, sink, logger).Run)
		}
		if retention := cfg.Journal.Retention; retention > 0 {
			run("journal retention", func(ctx context.Context) error {
				return store.RunRetention(ctx, retention, time.Minute, logger)
			})
		}
	}

	// Reconciliation
	engine := bridge.NewEngine(bridge.Config{
		SessionID:         cfg.SessionID,
		Instruments:       domain.NewInstrumentSet(cfg.Market.Instruments...),
		ReconnectInterval: cfg.Advisor.ReconnectInterval,
	}, paper, adv, recorder, logger)

	watchdog := broker.NewWatchdog(paper.State(), cfg.Broker.WatchdogTimeout, logger)
	dispatcher := broker.NewDispatcher(paper.Events(), watchdog, logger)

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		if err := dispatcher.Run(ctx, engine); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("dispatcher: %w", err)
		}
	}()
	run("feed", feed.Run)
	run("watchdog", watchdog.Run)
	run("supervisor", supervisor.Run)

	// Health
	healthChecker := observability.NewHealthChecker(logger)
	healthChecker.AddCheck("broker", paper.State().Connected)
	healthChecker.AddCheck("advisor", engine.LinkUp)
	run("health refresh", func(ctx context.Context) error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			healthChecker.Refresh()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	})

	grpcServer := grpc.NewServer()
	healthChecker.RegisterGRPC(grpcServer)

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		logger.Fatal("failed to listen on gRPC port", zap.Error(err))
	}
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr()))
		if err := grpcServer.Serve(grpcListener); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()
	go func() {
		if err := healthChecker.StartHTTPServer(cfg.HTTPAddr()); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("component failed", zap.Error(err))
	}

	logger.Info("shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		logger.Warn("dispatcher did not stop in time")
	}

	if err := healthChecker.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down health checker", zap.Error(err))
	}
	grpcServer.GracefulStop()

	if err := adv.Close(); err != nil {
		logger.Warn("error closing advisor link", zap.Error(err))
	}
	if closeSink != nil {
		closeSink()
	}
	if store != nil {
		store.Close()
	}

	logger.Info("advisor-bridge service stopped")
}
