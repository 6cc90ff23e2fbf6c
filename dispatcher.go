package txbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Handler processes one decoded message. sessionID is empty for unsessioned
// messages. A returned error makes the message eligible for redelivery.
type Handler func(ctx context.Context, msg Message, sessionID string) error

// ErrorHandler is told about handler failures and dead letters.
type ErrorHandler func(ctx context.Context, err error)

// DispatcherOptions tune a Dispatcher.
type DispatcherOptions struct {
	// Workers is the number of sessions handled concurrently per subscription.
	Workers int
	// LockDuration is the session lease length; it is renewed every third of it.
	LockDuration time.Duration
	// MaxDeliveries is how many times a message is tried before dead-lettering.
	MaxDeliveries int
	// RedeliveryBackoff delays a session after a handler failure.
	RedeliveryBackoff Backoff
	// IdleBackoff delays the next accept when no session is available.
	IdleBackoff Backoff
	// DeadLetters receives undeliverable messages. Defaults to an error log.
	DeadLetters DeadLetterStore
	// DisableSessionFault keeps handling a session after one of its messages
	// was dead-lettered.
	DisableSessionFault bool
	// Logger receives dispatcher logs. Defaults to slog.Default().
	Logger *slog.Logger
	// Hooks observes dispatcher activity.
	Hooks DispatchHooks
	// Now supplies the current time.
	Now func() time.Time
}

func (o *DispatcherOptions) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.LockDuration <= 0 {
		o.LockDuration = 30 * time.Second
	}
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = 10
	}
	if o.RedeliveryBackoff == nil {
		o.RedeliveryBackoff = Exponential(time.Second, 2.0, time.Minute)
	}
	if o.IdleBackoff == nil {
		o.IdleBackoff = Exponential(50*time.Millisecond, 2.0, 2*time.Second)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.DeadLetters == nil {
		o.DeadLetters = logDeadLetters{logger: o.Logger.With("component", "txbus.deadletter")}
	}
	if o.Hooks == nil {
		o.Hooks = NopDispatchHooks{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Dispatcher delivers messages from a SessionQueue to handlers, one session
// per worker at a time.
type Dispatcher struct {
	queue  SessionQueue
	codec  *Codec
	opts   DispatcherOptions
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher reading from queue.
func NewDispatcher(queue SessionQueue, codec *Codec, opts DispatcherOptions) *Dispatcher {
	opts.setDefaults()
	return &Dispatcher{
		queue:  queue,
		codec:  codec,
		opts:   opts,
		logger: opts.Logger.With("component", "txbus.dispatcher"),
	}
}

// Subscription is a running set of dispatcher workers.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Done is closed once every worker has returned.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the subscription stops.
func (s *Subscription) Wait() error {
	<-s.done
	return s.err
}

// Close stops accepting sessions and waits for in-flight handlers.
func (s *Subscription) Close() error {
	s.cancel()
	return s.Wait()
}

// Subscribe starts Workers workers on queue. They stop when ctx is cancelled.
func (d *Dispatcher) Subscribe(ctx context.Context, queue string, handler Handler, onError ErrorHandler) (*Subscription, error) {
	return d.subscribe(ctx, queue, "", d.opts.Workers, handler, onError)
}

// SubscribeSession starts a single worker bound to sessionID.
func (d *Dispatcher) SubscribeSession(ctx context.Context, queue, sessionID string, handler Handler, onError ErrorHandler) (*Subscription, error) {
	if sessionID == "" {
		return nil, errors.New("txbus: session id is required")
	}
	return d.subscribe(ctx, queue, sessionID, 1, handler, onError)
}

func (d *Dispatcher) subscribe(ctx context.Context, queue, sessionID string, workers int, handler Handler, onError ErrorHandler) (*Subscription, error) {
	if queue == "" {
		return nil, errors.New("txbus: queue is required")
	}
	if handler == nil {
		return nil, errors.New("txbus: handler is required")
	}
	if onError == nil {
		onError = func(context.Context, error) {}
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}
	g, gctx := errgroup.WithContext(ctx)
	for i := range workers {
		w := &worker{
			d:       d,
			queue:   queue,
			pinned:  sessionID,
			handler: handler,
			onError: onError,
			logger:  d.logger.With("queue", queue, "worker", i),
		}
		g.Go(func() error {
			return w.run(gctx)
		})
	}
	d.logger.InfoContext(ctx, "subscribed", "queue", queue, "session_id", sessionID, "workers", workers)
	go func() {
		defer close(sub.done)
		defer cancel()
		sub.err = g.Wait()
	}()
	return sub, nil
}

type worker struct {
	d       *Dispatcher
	queue   string
	pinned  string
	handler Handler
	onError ErrorHandler
	logger  *slog.Logger
}

func (w *worker) run(ctx context.Context) error {
	idle := 0
	for ctx.Err() == nil {
		recv, err := w.d.queue.AcceptSession(ctx, w.queue, w.pinned, w.d.opts.LockDuration)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			idle++
			if errors.Is(err, ErrNoSession) || errors.Is(err, ErrSessionLocked) {
				w.logger.DebugContext(ctx, "no session to accept", "error", err)
			} else {
				w.logger.WarnContext(ctx, "accept session failed", "error", err)
			}
			if !sleep(ctx, w.d.opts.IdleBackoff(idle)) {
				return nil
			}
			continue
		}
		idle = 0
		w.d.opts.Hooks.OnSessionAccepted(ctx, w.queue, recv.SessionID())
		w.drain(ctx, recv)
	}
	return nil
}

// drain handles the leased session until it is empty, a message needs to be
// redelivered later, or the lease is lost.
func (w *worker) drain(ctx context.Context, recv SessionReceiver) {
	s := &sessionRun{w: w, recv: recv, logger: w.logger.With("session_id", recv.SessionID())}
	redeliverAfter, ok := s.loop(ctx)
	if !ok {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.d.opts.LockDuration)
	defer cancel()
	if err := recv.Release(rctx, redeliverAfter); err != nil && !errors.Is(err, ErrLeaseLost) {
		s.logger.WarnContext(ctx, "release session failed", "error", err)
	}
}

type sessionRun struct {
	w       *worker
	recv    SessionReceiver
	logger  *slog.Logger
	faulted bool
}

type faultState struct {
	Faulted bool   `json:"faulted"`
	Reason  string `json:"reason,omitempty"`
}

// loop returns the redelivery delay to release the session with and whether
// the lease is still held.
func (s *sessionRun) loop(ctx context.Context) (time.Duration, bool) {
	opts := s.w.d.opts
	if !opts.DisableSessionFault && s.recv.SessionID() != "" {
		state, err := s.recv.State(ctx)
		if err != nil {
			return 0, s.leaseError(ctx, "read session state", err)
		}
		if len(state) > 0 {
			var fs faultState
			if err := json.Unmarshal(state, &fs); err != nil {
				s.logger.WarnContext(ctx, "ignoring unreadable session state", "error", err)
			}
			s.faulted = fs.Faulted
		}
	}
	for ctx.Err() == nil {
		d, err := s.recv.Receive(ctx)
		if errors.Is(err, ErrSessionEmpty) {
			return 0, true
		}
		if err != nil {
			return 0, s.leaseError(ctx, "receive", err)
		}
		next, delay, held := s.process(ctx, d)
		if !held {
			return 0, false
		}
		if !next {
			return delay, true
		}
	}
	return 0, true
}

// process handles one delivery. It reports whether the session can continue
// with the next message, the redelivery delay otherwise, and whether the lease
// is still held.
func (s *sessionRun) process(ctx context.Context, d *Delivery) (bool, time.Duration, bool) {
	w := s.w
	opts := w.d.opts

	env, err := w.d.codec.Unmarshal(d.Body)
	var msg Message
	if err == nil {
		msg, err = w.d.codec.Open(env)
	}
	if err != nil {
		herr := s.handlerError(env, d, err)
		herr.DeadLettered = true
		opts.Hooks.OnHandlerError(ctx, herr)
		w.onError(ctx, herr)
		return s.deadLetter(ctx, d, env, ReasonDecodeFailed, err)
	}

	if env.TypeTag == SessionUnlockType {
		if s.faulted {
			if err := s.recv.SetState(ctx, nil); err != nil {
				return false, 0, s.leaseError(ctx, "clear session fault", err)
			}
			s.faulted = false
			s.logger.InfoContext(ctx, "session fault cleared", "message_id", env.MessageID)
		}
		return s.complete(ctx, d)
	}

	if s.faulted {
		return s.deadLetter(ctx, d, env, ReasonSessionFaulted, errors.New("session is faulted"))
	}

	start := time.Now()
	handleErr := s.invoke(ctx, msg, env.SessionID)
	if handleErr == nil {
		opts.Hooks.OnHandled(ctx, w.queue, env, time.Since(start))
		next, delay, held := s.complete(ctx, d)
		if held && next {
			if err := s.recv.RenewLock(ctx); err != nil {
				return false, 0, s.leaseError(ctx, "renew lock", err)
			}
		}
		return next, delay, held
	}

	herr := s.handlerError(env, d, handleErr)
	herr.DeadLettered = d.DeliveryCount >= opts.MaxDeliveries
	opts.Hooks.OnHandlerError(ctx, herr)
	w.onError(ctx, herr)
	if herr.DeadLettered {
		return s.deadLetter(ctx, d, env, ReasonMaxDeliveriesExceeded, handleErr)
	}
	delay := opts.RedeliveryBackoff(d.DeliveryCount)
	s.logger.WarnContext(ctx, "handler failed; session released for redelivery",
		"message_id", env.MessageID,
		"delivery_count", d.DeliveryCount,
		"delay", delay,
		"error", handleErr,
	)
	return false, delay, true
}

// invoke runs the handler with a context that survives cancellation of ctx
// and renews the lease while it runs.
func (s *sessionRun) invoke(ctx context.Context, msg Message, sessionID string) (err error) {
	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		s.renew(hctx)
	}()
	defer func() {
		cancel()
		<-renewed
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.w.handler(hctx, msg, sessionID)
}

func (s *sessionRun) renew(ctx context.Context) {
	ticker := time.NewTicker(s.w.d.opts.LockDuration / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.recv.RenewLock(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.WarnContext(ctx, "renew lock failed", "error", err)
				if errors.Is(err, ErrLeaseLost) {
					return
				}
			}
		}
	}
}

func (s *sessionRun) complete(ctx context.Context, d *Delivery) (bool, time.Duration, bool) {
	if err := s.recv.Complete(context.WithoutCancel(ctx), d); err != nil {
		return false, 0, s.leaseError(ctx, "complete", err)
	}
	return true, 0, true
}

// deadLetter moves d to the dead-letter store, completes it and faults the
// session. When the store rejects it the session is released for redelivery.
func (s *sessionRun) deadLetter(ctx context.Context, d *Delivery, env Envelope, reason string, cause error) (bool, time.Duration, bool) {
	w := s.w
	opts := w.d.opts
	dl := DeadLetter{
		ID:            uuid.NewString(),
		Queue:         w.queue,
		SessionID:     s.recv.SessionID(),
		MessageID:     env.MessageID,
		TypeTag:       env.TypeTag,
		Body:          d.Body,
		Reason:        reason,
		Description:   cause.Error(),
		DeliveryCount: d.DeliveryCount,
		CreatedAt:     opts.Now().UTC(),
	}
	if err := opts.DeadLetters.Put(context.WithoutCancel(ctx), dl); err != nil {
		delay := opts.RedeliveryBackoff(d.DeliveryCount)
		s.logger.ErrorContext(ctx, "dead-letter store failed", "message_id", env.MessageID, "error", err)
		return false, delay, true
	}
	opts.Hooks.OnDeadLetter(ctx, dl)
	s.logger.WarnContext(ctx, "message dead-lettered",
		"message_id", env.MessageID,
		"reason", reason,
		"delivery_count", d.DeliveryCount,
	)

	next, delay, held := s.complete(ctx, d)
	if !held || opts.DisableSessionFault || s.faulted || s.recv.SessionID() == "" {
		return next, delay, held
	}
	state, err := json.Marshal(faultState{Faulted: true, Reason: reason})
	if err != nil {
		return next, delay, held
	}
	if err := s.recv.SetState(context.WithoutCancel(ctx), state); err != nil {
		return false, 0, s.leaseError(ctx, "fault session", err)
	}
	s.faulted = true
	s.logger.WarnContext(ctx, "session faulted", "reason", reason)
	return next, delay, held
}

func (s *sessionRun) handlerError(env Envelope, d *Delivery, err error) *HandlerError {
	return &HandlerError{
		Queue:         s.w.queue,
		SessionID:     s.recv.SessionID(),
		MessageID:     env.MessageID,
		TypeTag:       env.TypeTag,
		DeliveryCount: d.DeliveryCount,
		Err:           err,
	}
}

// leaseError logs a broker failure and reports whether the lease is still held.
func (s *sessionRun) leaseError(ctx context.Context, op string, err error) bool {
	if errors.Is(err, ErrLeaseLost) {
		s.w.d.opts.Hooks.OnLeaseLost(ctx, s.w.queue, s.recv.SessionID())
		s.logger.WarnContext(ctx, "session lease lost", "op", op)
		return false
	}
	if ctx.Err() == nil {
		s.logger.ErrorContext(ctx, "session operation failed", "op", op, "error", err)
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
