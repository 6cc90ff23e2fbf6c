// Package broker builds the configured txbus.Sender for the commands.
package broker

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/redis/go-redis/v9"

	"github.com/mickamy/txbus"
	"github.com/mickamy/txbus/broker/kafkaq"
	"github.com/mickamy/txbus/broker/redisq"
	"github.com/mickamy/txbus/broker/sqsq"
	"github.com/mickamy/txbus/broker/webhook"
	"github.com/mickamy/txbus/internal/config"
	awssqs "github.com/mickamy/txbus/internal/lib/aws/sqs"
)

// NewRedis connects to the configured Redis URL.
func NewRedis(ctx context.Context, cfg config.Broker) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewSender returns the sender for cfg.Broker.Kind and a func releasing its
// connections.
func NewSender(ctx context.Context, cfg config.Config, codec *txbus.Codec) (txbus.Sender, func() error, error) {
	switch cfg.Broker.Kind {
	case "redis":
		client, err := NewRedis(ctx, cfg.Broker)
		if err != nil {
			return nil, nil, err
		}
		return redisq.New(client, codec), client.Close, nil
	case "sqs":
		client, err := awssqs.New(ctx, cfg.Broker.SQSRegion, cfg.Broker.SQSEndpoint)
		if err != nil {
			return nil, nil, err
		}
		var opts []sqsq.Option
		if cfg.Broker.SQSQueueURL != "" {
			opts = append(opts, sqsq.WithQueueURL(cfg.Queue, cfg.Broker.SQSQueueURL))
		}
		return sqsq.New(client, codec, opts...), func() error { return nil }, nil
	case "kafka":
		producer, err := sarama.NewSyncProducer(cfg.Broker.KafkaBrokers, kafkaq.NewProducerConfig())
		if err != nil {
			return nil, nil, fmt.Errorf("kafka producer: %w", err)
		}
		return kafkaq.New(producer, codec, kafkaq.WithTopicPrefix(cfg.Broker.KafkaTopicPrefix)), producer.Close, nil
	case "webhook":
		return webhook.NewSender(cfg.Broker.WebhookURL, codec), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown broker %q", cfg.Broker.Kind)
	}
}
