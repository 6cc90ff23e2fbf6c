// Package kafkaq publishes envelopes to Kafka. The record key is the session
// id, so every message of a session lands on the same partition in order.
package kafkaq

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/mickamy/txbus"
)

// Record header keys.
const (
	HeaderType      = "txbus-type"
	HeaderMessageID = "txbus-message-id"
	HeaderSessionID = "txbus-session-id"
)

// NewProducerConfig returns a sarama config suitable for an ordered,
// idempotent SyncProducer.
func NewProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Net.MaxOpenRequests = 1
	return cfg
}

// Sender implements txbus.Sender on a sarama SyncProducer.
type Sender struct {
	producer    sarama.SyncProducer
	codec       *txbus.Codec
	topicPrefix string
}

// Option configures a Sender.
type Option func(*Sender)

// WithTopicPrefix prepends prefix to every queue name to form the topic.
func WithTopicPrefix(prefix string) Option {
	return func(s *Sender) {
		s.topicPrefix = prefix
	}
}

// New creates a Sender. The producer is owned by the caller.
func New(producer sarama.SyncProducer, codec *txbus.Codec, opts ...Option) *Sender {
	s := &Sender{producer: producer, codec: codec}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ txbus.Sender = (*Sender)(nil)

// Send produces envs to the queue's topic in a single SendMessages call.
func (s *Sender) Send(ctx context.Context, queue string, envs ...txbus.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	topic := s.topicPrefix + queue
	msgs := make([]*sarama.ProducerMessage, len(envs))
	for i, env := range envs {
		body, err := s.codec.Marshal(env)
		if err != nil {
			return txbus.Permanent(err)
		}
		key := env.SessionID
		if key == "" {
			key = env.MessageID
		}
		msgs[i] = &sarama.ProducerMessage{
			Topic: topic,
			Key:   sarama.StringEncoder(key),
			Value: sarama.ByteEncoder(body),
			Headers: []sarama.RecordHeader{
				{Key: []byte(HeaderType), Value: []byte(env.TypeTag)},
				{Key: []byte(HeaderMessageID), Value: []byte(env.MessageID)},
				{Key: []byte(HeaderSessionID), Value: []byte(env.SessionID)},
			},
			Timestamp: env.CreatedAt,
		}
	}
	if err := s.producer.SendMessages(msgs); err != nil {
		return classify(topic, err)
	}
	return nil
}

func permanent(err error) bool {
	return errors.Is(err, sarama.ErrMessageSizeTooLarge) ||
		errors.Is(err, sarama.ErrInvalidMessage) ||
		errors.Is(err, sarama.ErrInvalidTopic) ||
		errors.Is(err, sarama.ErrInvalidRecord)
}

func classify(topic string, err error) error {
	var perrs sarama.ProducerErrors
	if errors.As(err, &perrs) && len(perrs) > 0 {
		all := true
		for _, pe := range perrs {
			if !permanent(pe.Err) {
				all = false
				break
			}
		}
		err = fmt.Errorf("kafkaq: produce to %s: %d messages failed: %w", topic, len(perrs), perrs[0].Err)
		if all {
			return txbus.Permanent(err)
		}
		return err
	}
	if permanent(err) {
		return txbus.Permanent(fmt.Errorf("kafkaq: produce to %s: %w", topic, err))
	}
	return fmt.Errorf("kafkaq: produce to %s: %w", topic, err)
}
