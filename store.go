package txbus

import (
	"context"
	"database/sql"
	"time"
)

// Executor is the minimal surface needed from *sql.Tx or *sql.DB.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Status is the lifecycle state of an outbox row.
type Status string

const (
	// StatusPending rows wait for their first publish attempt.
	StatusPending Status = "pending"
	// StatusRetry rows failed transiently and wait for NextAttemptAt.
	StatusRetry Status = "retry"
	// StatusSending rows are leased by a relay until NextAttemptAt.
	StatusSending Status = "sending"
	// StatusSent rows were accepted by the broker.
	StatusSent Status = "sent"
	// StatusFailed rows exhausted their attempts or were rejected permanently.
	StatusFailed Status = "failed"
)

// OutboxMessage is a persisted outbox row.
type OutboxMessage struct {
	// ID is the primary key; it orders rows within a session.
	ID int64
	// Queue is the broker destination.
	Queue string
	// SessionID is empty for unsessioned messages.
	SessionID string
	// TypeTag selects the payload decoder.
	TypeTag string
	// MessageID is the envelope id handed to the broker.
	MessageID string
	// Payload is the encoded message content.
	Payload []byte
	// Status is the current lifecycle state.
	Status Status
	// Attempts counts failed publish attempts.
	Attempts int
	// NextAttemptAt is the retry time, or the lease expiry while sending.
	NextAttemptAt time.Time
	// ClaimedBy is the relay worker holding the lease.
	ClaimedBy string
	// CreatedAt records when the row was inserted.
	CreatedAt time.Time
	// SentAt is set once the broker accepted the message.
	SentAt *time.Time
	// LastError keeps the most recent publish error.
	LastError string
}

// Envelope rebuilds the envelope that was sealed when the row was enqueued.
func (m OutboxMessage) Envelope() Envelope {
	return Envelope{
		MessageID: m.MessageID,
		TypeTag:   m.TypeTag,
		SessionID: m.SessionID,
		Payload:   m.Payload,
		CreatedAt: m.CreatedAt,
	}
}

// Store encapsulates DB operations used by the outbox and the relay.
type Store interface {
	// Add inserts a pending row using the caller's transaction and returns its id.
	Add(ctx context.Context, exec Executor, msg OutboxMessage) (int64, error)
	// Claim leases up to limit publishable rows to workerID, ordered by session then id.
	Claim(ctx context.Context, workerID string, limit int, leaseTTL time.Duration) ([]OutboxMessage, error)
	// MarkSent records broker acceptance.
	MarkSent(ctx context.Context, ids []int64, sentAt time.Time) error
	// Retry releases a row for another attempt after nextAttempt.
	Retry(ctx context.Context, workerID string, id int64, attempts int, nextAttempt time.Time, cause string) error
	// Release hands claimed rows back without counting an attempt.
	Release(ctx context.Context, workerID string, ids []int64) error
	// Fail flags the row as permanently failed so operators can inspect it.
	Fail(ctx context.Context, id int64, attempts int, cause string) error
	// Purge deletes sent rows older than before and returns how many were removed.
	Purge(ctx context.Context, before time.Time) (int64, error)
}
