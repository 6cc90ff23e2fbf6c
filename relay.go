package txbus

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Backoff returns the wait duration before the given attempt.
type Backoff func(attempt int) time.Duration

// Exponential creates a capped exponential backoff function.
func Exponential(base time.Duration, factor float64, max time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return base
		}
		d := float64(base)
		for i := 1; i < attempt; i++ {
			d *= factor
			if time.Duration(d) >= max {
				return max
			}
		}
		delay := time.Duration(d)
		if delay > max {
			return max
		}
		if delay < base {
			return base
		}
		return delay
	}
}

// Options configure Relay behaviour and tuning knobs for workers.
type Options struct {
	// BatchSize controls how many rows the relay claims per cycle.
	BatchSize int
	// LeaseTTL defines how long a claimed row stays owned before expiring.
	LeaseTTL time.Duration
	// MaxAttempts is the number of total send tries before marking as failed.
	MaxAttempts int
	// PollInterval is the sleep duration between claim cycles.
	PollInterval time.Duration
	// Backoff computes the retry delay based on attempt count.
	Backoff Backoff
	// Concurrency bounds how many sessions are published in parallel.
	Concurrency int
	// SendTimeout bounds a single Sender.Send call.
	SendTimeout time.Duration
	// CleanupInterval enables periodic purging of sent rows when set with RetainSent.
	CleanupInterval time.Duration
	// RetainSent is how long sent rows are kept before purging.
	RetainSent time.Duration
	// Logger receives relay logs. Defaults to slog.Default().
	Logger *slog.Logger
	// Hooks observes relay activity.
	Hooks RelayHooks
	// WorkerID identifies this relay instance in the database.
	WorkerID string
	// Now supplies the current time; override for tests or custom time sources.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.Backoff == nil {
		o.Backoff = Exponential(500*time.Millisecond, 2.0, 30*time.Second)
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Hooks == nil {
		o.Hooks = NopRelayHooks{}
	}
	if o.WorkerID == "" {
		o.WorkerID = randomWorkerID()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Relay coordinates pulling rows from the store and publishing them via a Sender.
type Relay struct {
	// store handles DB interactions for claiming and updating rows.
	store Store
	// sender knows how to deliver an envelope to the broker.
	sender Sender
	// opts hold tuning parameters for the worker.
	opts   Options
	logger *slog.Logger
}

// NewRelay wires a Store and Sender with the provided options.
func NewRelay(store Store, sender Sender, opts Options) *Relay {
	opts.setDefaults()
	return &Relay{
		store:  store,
		sender: sender,
		opts:   opts,
		logger: opts.Logger.With("component", "txbus.relay", "worker_id", opts.WorkerID),
	}
}

// WorkerID returns the id this relay claims rows under.
func (r *Relay) WorkerID() string {
	return r.opts.WorkerID
}

// Run processes rows until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	var cleanup <-chan time.Time
	if r.opts.CleanupInterval > 0 && r.opts.RetainSent > 0 {
		t := time.NewTicker(r.opts.CleanupInterval)
		defer t.Stop()
		cleanup = t.C
	}

	r.logger.InfoContext(ctx, "relay started",
		"batch_size", r.opts.BatchSize,
		"concurrency", r.opts.Concurrency,
	)
	for {
		if err := r.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.ErrorContext(ctx, "relay cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			r.logger.InfoContext(context.WithoutCancel(ctx), "relay stopped")
			return ctx.Err()
		case <-cleanup:
			if _, err := r.Purge(ctx); err != nil && ctx.Err() == nil {
				r.logger.ErrorContext(ctx, "purge failed", "error", err)
			}
		case <-ticker.C:
		}
	}
}

// ProcessOnce claims at most BatchSize rows and publishes them session by session.
func (r *Relay) ProcessOnce(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	defer func() {
		r.opts.Hooks.OnCycle(ctx, time.Since(start))
	}()

	// The lease is counted from before the claim so the deadline never
	// outlives the one the store recorded.
	deadline := r.opts.Now().Add(r.opts.LeaseTTL)
	claimed, err := r.store.Claim(ctx, r.opts.WorkerID, r.opts.BatchSize, r.opts.LeaseTTL)
	if err != nil {
		r.opts.Hooks.OnStoreError(ctx, "claim", 0, err)
		return fmt.Errorf("txbus: claim: %w", err)
	}
	r.opts.Hooks.OnClaim(ctx, r.opts.BatchSize, len(claimed))
	if len(claimed) == 0 {
		return nil
	}

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(r.opts.Concurrency)
	for _, group := range groupBySession(claimed) {
		g.Go(func() error {
			ids := r.publishSession(ctx, group, deadline)
			if err := r.markSent(ctx, ids); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// markSent records one session group as delivered as soon as it finishes.
func (r *Relay) markSent(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.store.MarkSent(context.WithoutCancel(ctx), ids, r.opts.Now().UTC()); err != nil {
		r.opts.Hooks.OnStoreError(ctx, "mark_sent", ids[0], err)
		return fmt.Errorf("txbus: mark %d rows sent: %w", len(ids), err)
	}
	return nil
}

// Purge deletes sent rows older than RetainSent.
func (r *Relay) Purge(ctx context.Context) (int64, error) {
	if r.opts.RetainSent <= 0 {
		return 0, nil
	}
	n, err := r.store.Purge(ctx, r.opts.Now().UTC().Add(-r.opts.RetainSent))
	if err != nil {
		r.opts.Hooks.OnStoreError(ctx, "purge", 0, err)
		return 0, fmt.Errorf("txbus: purge: %w", err)
	}
	if n > 0 {
		r.logger.InfoContext(ctx, "purged sent rows", "count", n)
	}
	return n, nil
}

// publishSession sends rows one at a time and returns the ids the broker accepted.
// It stops at the first transient failure and releases the rows behind it.
// Once the claim lease has run out the rows may belong to another relay, so
// publishing stops and nothing is released.
func (r *Relay) publishSession(ctx context.Context, rows []OutboxMessage, deadline time.Time) []int64 {
	sent := make([]int64, 0, len(rows))
	for i, row := range rows {
		if !r.opts.Now().Before(deadline) {
			r.logger.WarnContext(ctx, "claim lease expired, abandoning session",
				"session_id", row.SessionID,
				"next_id", row.ID,
				"remaining", len(rows)-i,
			)
			return sent
		}
		if ctx.Err() != nil {
			r.release(ctx, rows[i:])
			return sent
		}
		err := r.send(ctx, row)
		if err == nil {
			r.opts.Hooks.OnSendSuccess(ctx, row)
			sent = append(sent, row.ID)
			continue
		}
		r.opts.Hooks.OnSendFailure(ctx, row, err)
		if r.handleFailure(ctx, row, err) {
			continue
		}
		r.release(ctx, rows[i+1:])
		return sent
	}
	return sent
}

func (r *Relay) send(ctx context.Context, row OutboxMessage) error {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.SendTimeout)
	defer cancel()
	return r.sender.Send(sendCtx, row.Queue, row.Envelope())
}

// handleFailure decides whether to retry or fail a row. It reports whether the
// row reached a terminal state, in which case the session may move on.
func (r *Relay) handleFailure(ctx context.Context, row OutboxMessage, sendErr error) bool {
	wctx := context.WithoutCancel(ctx)
	attempt := row.Attempts + 1
	if IsPermanent(sendErr) || attempt >= r.opts.MaxAttempts {
		if err := r.store.Fail(wctx, row.ID, attempt, sendErr.Error()); err != nil {
			r.opts.Hooks.OnStoreError(ctx, "fail", row.ID, err)
			r.logger.ErrorContext(ctx, "mark failed",
				"id", row.ID, "error", err, "send_error", sendErr)
			return false
		}
		r.opts.Hooks.OnFail(ctx, row, attempt, sendErr)
		r.logger.WarnContext(ctx, "message failed permanently",
			"id", row.ID,
			"session_id", row.SessionID,
			"attempt", attempt,
			"error", sendErr,
		)
		return true
	}
	delay := r.opts.Backoff(attempt)
	next := r.opts.Now().UTC().Add(delay)
	if err := r.store.Retry(wctx, r.opts.WorkerID, row.ID, attempt, next, sendErr.Error()); err != nil {
		r.opts.Hooks.OnStoreError(ctx, "retry", row.ID, err)
		r.logger.ErrorContext(ctx, "mark retry",
			"id", row.ID, "error", err, "send_error", sendErr)
		return false
	}
	r.opts.Hooks.OnRetry(ctx, row, attempt, delay)
	r.logger.WarnContext(ctx, "message scheduled for retry",
		"id", row.ID,
		"session_id", row.SessionID,
		"attempt", attempt,
		"delay", delay,
		"error", sendErr,
	)
	return false
}

func (r *Relay) release(ctx context.Context, rows []OutboxMessage) {
	if len(rows) == 0 {
		return
	}
	ids := make([]int64, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	if err := r.store.Release(context.WithoutCancel(ctx), r.opts.WorkerID, ids); err != nil {
		r.opts.Hooks.OnStoreError(ctx, "release", ids[0], err)
		r.logger.ErrorContext(ctx, "release rows", "ids", ids, "error", err)
	}
}

// groupBySession splits claimed rows into publish units. Rows of one session
// keep their id order; every unsessioned row forms its own unit.
func groupBySession(rows []OutboxMessage) [][]OutboxMessage {
	var (
		groups [][]OutboxMessage
		index  = make(map[string]int)
	)
	for _, row := range rows {
		if row.SessionID == "" {
			groups = append(groups, []OutboxMessage{row})
			continue
		}
		i, ok := index[row.SessionID]
		if !ok {
			index[row.SessionID] = len(groups)
			groups = append(groups, []OutboxMessage{row})
			continue
		}
		groups[i] = append(groups[i], row)
	}
	for _, g := range groups {
		slices.SortFunc(g, func(a, b OutboxMessage) int {
			return cmp.Compare(a.ID, b.ID)
		})
	}
	return groups
}
