package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mickamy/txbus"
	"github.com/mickamy/txbus/broker/redisq"
	"github.com/mickamy/txbus/deadletter"
	"github.com/mickamy/txbus/internal/broker"
	"github.com/mickamy/txbus/internal/config"
	"github.com/mickamy/txbus/internal/events"
	"github.com/mickamy/txbus/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	session := flag.String("session", "", "handle only this session")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Broker.Kind != "redis" {
		log.Fatalf("consumer needs the redis broker, got %q", cfg.Broker.Kind)
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := broker.NewRedis(ctx, cfg.Broker)
	if err != nil {
		log.Fatalf("connect redis: %v", err)
	}
	defer func() { _ = client.Close() }()

	codec, err := events.NewCodec(cfg.Format)
	if err != nil {
		log.Fatalf("init codec: %v", err)
	}

	hooks := metrics.NewStatsHook("txbus_consumer")
	metrics.StartServer(cfg.MetricsAddr, logger)

	dispatcher := txbus.NewDispatcher(redisq.New(client, codec), codec, txbus.DispatcherOptions{
		Workers:       cfg.Dispatcher.Workers,
		LockDuration:  cfg.Dispatcher.LockDuration,
		MaxDeliveries: cfg.Dispatcher.MaxDeliveries,
		DeadLetters:   deadletter.NewRedisStore(client),
		Logger:        logger,
		Hooks:         hooks,
	})

	handler := func(ctx context.Context, msg txbus.Message, sessionID string) error {
		switch m := msg.(type) {
		case events.AccountCreated:
			logger.InfoContext(ctx, "account created", "session_id", sessionID, "account_id", m.AccountID, "email", m.Email)
		case events.AccountUpdated:
			logger.InfoContext(ctx, "account updated", "session_id", sessionID, "account_id", m.AccountID, "email", m.Email)
		case events.AccountClosed:
			logger.InfoContext(ctx, "account closed", "session_id", sessionID, "account_id", m.AccountID, "reason", m.Reason)
		default:
			logger.WarnContext(ctx, "unhandled message", "type", msg.MessageType())
		}
		return nil
	}
	onError := func(ctx context.Context, err error) {
		logger.ErrorContext(ctx, "handler error", "error", err)
	}

	var sub *txbus.Subscription
	if *session != "" {
		sub, err = dispatcher.SubscribeSession(ctx, cfg.Queue, *session, handler, onError)
	} else {
		sub, err = dispatcher.Subscribe(ctx, cfg.Queue, handler, onError)
	}
	if err != nil {
		log.Fatalf("subscribe: %v", err)
	}
	logger.Info("consumer listening", "queue", cfg.Queue, "session", *session)
	if err := sub.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("consumer stopped: %v", err)
	}
}
