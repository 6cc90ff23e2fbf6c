package txbus

import (
	"context"
	"time"
)

// RelayHooks observes relay activity. Implementations must be safe for
// concurrent use because sessions are published in parallel.
type RelayHooks interface {
	OnClaim(ctx context.Context, batchSize int, claimed int)
	OnSendSuccess(ctx context.Context, msg OutboxMessage)
	OnSendFailure(ctx context.Context, msg OutboxMessage, err error)
	OnRetry(ctx context.Context, msg OutboxMessage, attempt int, delay time.Duration)
	OnFail(ctx context.Context, msg OutboxMessage, attempt int, err error)
	OnStoreError(ctx context.Context, op string, id int64, err error)
	OnCycle(ctx context.Context, d time.Duration)
}

// DispatchHooks observes dispatcher activity.
type DispatchHooks interface {
	OnSessionAccepted(ctx context.Context, queue, sessionID string)
	OnHandled(ctx context.Context, queue string, env Envelope, d time.Duration)
	OnHandlerError(ctx context.Context, err *HandlerError)
	OnDeadLetter(ctx context.Context, dl DeadLetter)
	OnLeaseLost(ctx context.Context, queue, sessionID string)
}

// NopRelayHooks implements RelayHooks with no-ops. Embed it to override a subset.
type NopRelayHooks struct{}

func (NopRelayHooks) OnClaim(context.Context, int, int)                          {}
func (NopRelayHooks) OnSendSuccess(context.Context, OutboxMessage)               {}
func (NopRelayHooks) OnSendFailure(context.Context, OutboxMessage, error)        {}
func (NopRelayHooks) OnRetry(context.Context, OutboxMessage, int, time.Duration) {}
func (NopRelayHooks) OnFail(context.Context, OutboxMessage, int, error)          {}
func (NopRelayHooks) OnStoreError(context.Context, string, int64, error)         {}
func (NopRelayHooks) OnCycle(context.Context, time.Duration)                     {}

// NopDispatchHooks implements DispatchHooks with no-ops.
type NopDispatchHooks struct{}

func (NopDispatchHooks) OnSessionAccepted(context.Context, string, string)          {}
func (NopDispatchHooks) OnHandled(context.Context, string, Envelope, time.Duration) {}
func (NopDispatchHooks) OnHandlerError(context.Context, *HandlerError)              {}
func (NopDispatchHooks) OnDeadLetter(context.Context, DeadLetter)                   {}
func (NopDispatchHooks) OnLeaseLost(context.Context, string, string)                {}

var (
	_ RelayHooks    = NopRelayHooks{}
	_ DispatchHooks = NopDispatchHooks{}
)
