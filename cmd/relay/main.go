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
	"github.com/mickamy/txbus/internal/broker"
	"github.com/mickamy/txbus/internal/config"
	"github.com/mickamy/txbus/internal/database"
	"github.com/mickamy/txbus/internal/events"
	"github.com/mickamy/txbus/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, store, err := database.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	codec, err := events.NewCodec(cfg.Format)
	if err != nil {
		log.Fatalf("init codec: %v", err)
	}
	sender, closeSender, err := broker.NewSender(ctx, cfg, codec)
	if err != nil {
		log.Fatalf("init sender: %v", err)
	}
	defer func() { _ = closeSender() }()

	hooks := metrics.NewStatsHook("txbus_relay")
	metrics.StartServer(cfg.MetricsAddr, logger)

	relay := txbus.NewRelay(store, sender, txbus.Options{
		BatchSize:       cfg.Relay.BatchSize,
		LeaseTTL:        cfg.Relay.LeaseTTL,
		MaxAttempts:     cfg.Relay.MaxAttempts,
		PollInterval:    cfg.Relay.PollInterval,
		Concurrency:     cfg.Relay.Concurrency,
		CleanupInterval: cfg.Relay.CleanupInterval,
		RetainSent:      cfg.Relay.RetainSent,
		Logger:          logger,
		Hooks:           hooks,
	})

	logger.Info("starting relay", "broker", cfg.Broker.Kind, "driver", cfg.Database.Driver)
	if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("relay stopped: %v", err)
	}
}
