// Package deadletter stores, inspects and replays messages the dispatcher
// gave up on.
//
// Stores implement txbus.DeadLetterStore and can be passed directly as
// txbus.DispatcherOptions.DeadLetters. A Manager replays stored messages back
// to their original queue once the cause has been fixed.
package deadletter

import (
	"context"
	"errors"
	"time"

	"github.com/mickamy/txbus"
)

// ErrNotFound is returned when a dead letter id does not exist.
var ErrNotFound = errors.New("deadletter: not found")

// Filter selects dead letters. Zero fields match everything.
type Filter struct {
	Queue           string
	SessionID       string
	Reason          string
	Since           time.Time // inclusive
	Until           time.Time // exclusive
	ExcludeReplayed bool
	Limit           int
	Offset          int
}

func (f Filter) match(dl txbus.DeadLetter) bool {
	if f.Queue != "" && dl.Queue != f.Queue {
		return false
	}
	if f.SessionID != "" && dl.SessionID != f.SessionID {
		return false
	}
	if f.Reason != "" && dl.Reason != f.Reason {
		return false
	}
	if !f.Since.IsZero() && dl.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !dl.CreatedAt.Before(f.Until) {
		return false
	}
	if f.ExcludeReplayed && dl.ReplayedAt != nil {
		return false
	}
	return true
}

// page applies Offset and Limit to an ordered result.
func (f Filter) page(dls []txbus.DeadLetter) []txbus.DeadLetter {
	if f.Offset > 0 {
		if f.Offset >= len(dls) {
			return nil
		}
		dls = dls[f.Offset:]
	}
	if f.Limit > 0 && len(dls) > f.Limit {
		dls = dls[:f.Limit]
	}
	return dls
}

// Store persists dead letters. List returns them oldest first.
type Store interface {
	txbus.DeadLetterStore
	Get(ctx context.Context, id string) (txbus.DeadLetter, error)
	List(ctx context.Context, filter Filter) ([]txbus.DeadLetter, error)
	Count(ctx context.Context, filter Filter) (int64, error)
	MarkReplayed(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}
