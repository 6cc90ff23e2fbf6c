package txbus

import (
	"context"
	"log/slog"
	"time"
)

// Dead-letter reasons recorded by the dispatcher.
const (
	ReasonDecodeFailed          = "DecodeFailed"
	ReasonSessionFaulted        = "SessionFaulted"
	ReasonMaxDeliveriesExceeded = "MaxDeliveriesExceeded"
)

// DeadLetter is a message the dispatcher gave up on.
type DeadLetter struct {
	ID            string
	Queue         string
	SessionID     string
	MessageID     string
	TypeTag       string
	Body          []byte
	Reason        string
	Description   string
	DeliveryCount int
	CreatedAt     time.Time
	ReplayedAt    *time.Time
}

// DeadLetterStore receives dead letters from the dispatcher.
type DeadLetterStore interface {
	Put(ctx context.Context, dl DeadLetter) error
}

// logDeadLetters is used when no DeadLetterStore is configured.
type logDeadLetters struct {
	logger *slog.Logger
}

func (l logDeadLetters) Put(ctx context.Context, dl DeadLetter) error {
	l.logger.ErrorContext(ctx, "message dead-lettered",
		"queue", dl.Queue,
		"session_id", dl.SessionID,
		"message_id", dl.MessageID,
		"type", dl.TypeTag,
		"reason", dl.Reason,
		"description", dl.Description,
		"delivery_count", dl.DeliveryCount,
	)
	return nil
}
