package kafkaq_test

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/mickamy/txbus"
	"github.com/mickamy/txbus/broker/kafkaq"
)

type ping struct {
	N int `json:"n"`
}

func (ping) MessageType() string { return "test.ping" }

func newCodec(t *testing.T) *txbus.Codec {
	t.Helper()
	reg := txbus.NewRegistry()
	txbus.MustRegister[ping](reg, "test.ping")
	return txbus.NewCodec(reg)
}

func header(msg *sarama.ProducerMessage, key string) string {
	for _, h := range msg.Headers {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestSenderKeysBySession(t *testing.T) {
	t.Parallel()
	codec := newCodec(t)
	producer := mocks.NewSyncProducer(t, nil)
	t.Cleanup(func() { _ = producer.Close() })

	sessioned, err := codec.Seal(ping{N: 1}, "A")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	unsessioned, err := codec.Seal(ping{N: 2}, "")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	check := func(wantKey string, want txbus.Envelope) mocks.MessageChecker {
		return func(msg *sarama.ProducerMessage) error {
			if msg.Topic != "app.orders" {
				return errors.New("unexpected topic " + msg.Topic)
			}
			key, err := msg.Key.Encode()
			if err != nil {
				return err
			}
			if string(key) != wantKey {
				return errors.New("unexpected key " + string(key))
			}
			if header(msg, kafkaq.HeaderType) != "test.ping" || header(msg, kafkaq.HeaderMessageID) != want.MessageID {
				return errors.New("unexpected headers")
			}
			body, err := msg.Value.Encode()
			if err != nil {
				return err
			}
			env, err := codec.Unmarshal(body)
			if err != nil {
				return err
			}
			if env.MessageID != want.MessageID {
				return errors.New("body carries another envelope")
			}
			return nil
		}
	}
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(check("A", sessioned))
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(check(unsessioned.MessageID, unsessioned))

	s := kafkaq.New(producer, codec, kafkaq.WithTopicPrefix("app."))
	if err := s.Send(context.Background(), "orders", sessioned, unsessioned); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestSenderClassifiesErrors(t *testing.T) {
	t.Parallel()
	codec := newCodec(t)
	env, err := codec.Seal(ping{N: 1}, "A")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{name: "too large", err: sarama.ErrMessageSizeTooLarge, permanent: true},
		{name: "leader unavailable", err: sarama.ErrLeaderNotAvailable, permanent: false},
		{name: "broker gone", err: sarama.ErrOutOfBrokers, permanent: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			producer := mocks.NewSyncProducer(t, nil)
			t.Cleanup(func() { _ = producer.Close() })
			producer.ExpectSendMessageAndFail(tt.err)

			err := kafkaq.New(producer, codec).Send(context.Background(), "orders", env)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, tt.err) {
				t.Fatalf("error %v does not wrap %v", err, tt.err)
			}
			if got := txbus.IsPermanent(err); got != tt.permanent {
				t.Fatalf("IsPermanent = %v, want %v", got, tt.permanent)
			}
		})
	}
}

func TestNewProducerConfigIsValid(t *testing.T) {
	t.Parallel()
	cfg := kafkaq.NewProducerConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !cfg.Producer.Return.Successes {
		t.Fatal("SyncProducer requires Return.Successes")
	}
}
