package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mickamy/txbus"
)

// Stats summarizes the dead letters in a store.
type Stats struct {
	Total    int64
	Pending  int64
	Replayed int64
	ByQueue  map[string]int64
	ByReason map[string]int64
	Oldest   *time.Time
	Newest   *time.Time
}

// Manager inspects, replays and cleans up dead letters.
type Manager struct {
	store  Store
	codec  *txbus.Codec
	sender txbus.Sender
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a Manager. Replayed messages are sent through sender.
func NewManager(store Store, codec *txbus.Codec, sender txbus.Sender) *Manager {
	return &Manager{
		store:  store,
		codec:  codec,
		sender: sender,
		logger: slog.Default().With("component", "txbus.deadletter"),
		now:    time.Now,
	}
}

// WithLogger sets a custom logger.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	m.logger = l.With("component", "txbus.deadletter")
	return m
}

// WithNow overrides the clock used for replay timestamps and cleanup.
func (m *Manager) WithNow(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Store returns the underlying store.
func (m *Manager) Store() Store {
	return m.store
}

// Unlock sends a session unlock message so a faulted session resumes
// handling. Messages already queued behind the fault are still dead-lettered.
func (m *Manager) Unlock(ctx context.Context, queue, sessionID string) error {
	if sessionID == "" {
		return errors.New("deadletter: session id is required")
	}
	env, err := m.codec.Seal(txbus.SessionUnlock{}, sessionID)
	if err != nil {
		return err
	}
	if err := m.sender.Send(ctx, queue, env); err != nil {
		return fmt.Errorf("deadletter: unlock %s/%s: %w", queue, sessionID, err)
	}
	m.logger.InfoContext(ctx, "session unlock sent", "queue", queue, "session_id", sessionID)
	return nil
}

// Replay re-sends the dead letters matching filter to their original queue,
// oldest first, and marks them replayed. Failures are logged and skipped.
// It returns how many messages were replayed.
func (m *Manager) Replay(ctx context.Context, filter Filter) (int, error) {
	dls, err := m.store.List(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("deadletter: list: %w", err)
	}
	replayed := 0
	for _, dl := range dls {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		if err := m.replay(ctx, dl); err != nil {
			m.logger.ErrorContext(ctx, "replay failed",
				"id", dl.ID,
				"queue", dl.Queue,
				"message_id", dl.MessageID,
				"error", err,
			)
			continue
		}
		replayed++
	}
	m.logger.InfoContext(ctx, "replayed dead letters", "total", len(dls), "replayed", replayed)
	return replayed, nil
}

// ReplayOne re-sends a single dead letter.
func (m *Manager) ReplayOne(ctx context.Context, id string) error {
	dl, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return m.replay(ctx, dl)
}

func (m *Manager) replay(ctx context.Context, dl txbus.DeadLetter) error {
	env, err := m.codec.Unmarshal(dl.Body)
	if err != nil {
		return err
	}
	if err := m.sender.Send(ctx, dl.Queue, env); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if err := m.store.MarkReplayed(ctx, dl.ID, m.now().UTC()); err != nil {
		return fmt.Errorf("mark replayed: %w", err)
	}
	return nil
}

// Cleanup deletes dead letters older than age.
func (m *Manager) Cleanup(ctx context.Context, age time.Duration) (int64, error) {
	n, err := m.store.DeleteOlderThan(ctx, m.now().UTC().Add(-age))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.InfoContext(ctx, "cleaned up dead letters", "deleted", n, "older_than", age)
	}
	return n, nil
}

// Stats counts the stored dead letters.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	dls, err := m.store.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	st := &Stats{
		ByQueue:  make(map[string]int64),
		ByReason: make(map[string]int64),
	}
	for _, dl := range dls {
		st.Total++
		if dl.ReplayedAt != nil {
			st.Replayed++
		} else {
			st.Pending++
		}
		st.ByQueue[dl.Queue]++
		st.ByReason[dl.Reason]++
		at := dl.CreatedAt
		if st.Oldest == nil || at.Before(*st.Oldest) {
			st.Oldest = &at
		}
		if st.Newest == nil || at.After(*st.Newest) {
			st.Newest = &at
		}
	}
	return st, nil
}
