package txbus

import (
	"context"
	"errors"
	"fmt"
)

// Outbox is the producer side of the bus. Messages are written through the
// caller's transaction, so they exist only if that transaction commits.
type Outbox struct {
	store Store
	codec *Codec
	queue string
}

// NewOutbox creates an Outbox that enqueues to queue by default.
func NewOutbox(store Store, codec *Codec, queue string) *Outbox {
	return &Outbox{
		store: store,
		codec: codec,
		queue: queue,
	}
}

// Enqueue records content for delivery on the default queue.
// It never commits; commit or rollback stays with the caller.
func (o *Outbox) Enqueue(ctx context.Context, exec Executor, content Message, sessionID string) (int64, error) {
	return o.EnqueueTo(ctx, exec, o.queue, content, sessionID)
}

// EnqueueTo records content for delivery on queue.
func (o *Outbox) EnqueueTo(ctx context.Context, exec Executor, queue string, content Message, sessionID string) (int64, error) {
	if queue == "" {
		return 0, errors.New("txbus: queue is required")
	}
	if exec == nil {
		return 0, errors.New("txbus: executor is required")
	}
	env, err := o.codec.Seal(content, sessionID)
	if err != nil {
		return 0, err
	}
	id, err := o.store.Add(ctx, exec, OutboxMessage{
		Queue:     queue,
		SessionID: env.SessionID,
		TypeTag:   env.TypeTag,
		MessageID: env.MessageID,
		Payload:   env.Payload,
		Status:    StatusPending,
		CreatedAt: env.CreatedAt,
	})
	if err != nil {
		return 0, fmt.Errorf("txbus: enqueue %s: %w", env.TypeTag, err)
	}
	return id, nil
}
