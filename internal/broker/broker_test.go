package broker_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/mickamy/txbus/broker/redisq"
	"github.com/mickamy/txbus/broker/webhook"
	"github.com/mickamy/txbus/internal/broker"
	"github.com/mickamy/txbus/internal/config"
	"github.com/mickamy/txbus/internal/events"
)

func TestNewSender(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	codec, err := events.NewCodec("json")
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	cfg := config.Default()
	cfg.Broker.Kind = "redis"
	cfg.Broker.RedisURL = "redis://" + mr.Addr() + "/0"
	sender, closeFn, err := broker.NewSender(context.Background(), cfg, codec)
	if err != nil {
		t.Fatalf("NewSender(redis): %v", err)
	}
	t.Cleanup(func() { _ = closeFn() })
	if _, ok := sender.(*redisq.Queue); !ok {
		t.Fatalf("redis sender is %T", sender)
	}

	cfg.Broker.Kind = "webhook"
	sender, _, err = broker.NewSender(context.Background(), cfg, codec)
	if err != nil {
		t.Fatalf("NewSender(webhook): %v", err)
	}
	if _, ok := sender.(*webhook.Sender); !ok {
		t.Fatalf("webhook sender is %T", sender)
	}

	cfg.Broker.Kind = "carrier-pigeon"
	if _, _, err := broker.NewSender(context.Background(), cfg, codec); err == nil {
		t.Fatal("expected error for unknown broker")
	}
}
