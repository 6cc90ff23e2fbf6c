package txbus

import (
	"context"
	"time"
)

// Sender publishes envelopes to a broker queue. Envelopes sharing a session id
// must be enqueued in argument order. Failure applies to the whole call; wrap
// it with Permanent when the broker will never accept the payload.
type Sender interface {
	Send(ctx context.Context, queue string, envs ...Envelope) error
}

// Delivery is one message handed out by a SessionReceiver.
type Delivery struct {
	// ID is the broker-assigned id used to complete the delivery.
	ID string
	// SessionID is empty for unsessioned messages.
	SessionID string
	// Body is the envelope document produced by Codec.Marshal.
	Body []byte
	// DeliveryCount starts at 1 and grows on every redelivery.
	DeliveryCount int
	// EnqueuedAt is when the broker accepted the message.
	EnqueuedAt time.Time
}

// SessionQueue hands out exclusive, time-bounded session leases.
type SessionQueue interface {
	// AcceptSession leases sessionID on queue, or the oldest ready session when
	// sessionID is empty. It returns ErrNoSession when nothing is ready and
	// ErrSessionLocked when a pinned session is leased by someone else.
	AcceptSession(ctx context.Context, queue, sessionID string, lock time.Duration) (SessionReceiver, error)
}

// SessionReceiver is a leased session. Every method returns ErrLeaseLost once
// the lease has expired or was released.
type SessionReceiver interface {
	// SessionID is empty for the singleton session of an unsessioned message.
	SessionID() string
	// Receive returns the head of the session and increments its delivery
	// count. It returns ErrSessionEmpty when no ready message remains.
	Receive(ctx context.Context) (*Delivery, error)
	// Complete removes a received delivery from the session.
	Complete(ctx context.Context, d *Delivery) error
	// RenewLock extends the lease by the lock duration it was accepted with.
	RenewLock(ctx context.Context) error
	// State returns the opaque session state, or nil when none was set.
	State(ctx context.Context) ([]byte, error)
	// SetState replaces the session state. A nil state clears it.
	SetState(ctx context.Context, state []byte) error
	// Release gives the lease up. Remaining messages become available to
	// other workers after redeliverAfter.
	Release(ctx context.Context, redeliverAfter time.Duration) error
}
