package deadletter

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mickamy/txbus"
)

// MemoryStore keeps dead letters in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	msgs map[string]txbus.DeadLetter
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{msgs: make(map[string]txbus.DeadLetter)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Put(_ context.Context, dl txbus.DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now().UTC()
	}
	dl.Body = append([]byte(nil), dl.Body...)
	s.mu.Lock()
	s.msgs[dl.ID] = dl
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (txbus.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dl, ok := s.msgs[id]
	if !ok {
		return txbus.DeadLetter{}, ErrNotFound
	}
	return dl, nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]txbus.DeadLetter, error) {
	return filter.page(s.matching(filter)), nil
}

func (s *MemoryStore) Count(_ context.Context, filter Filter) (int64, error) {
	return int64(len(s.matching(filter))), nil
}

func (s *MemoryStore) matching(filter Filter) []txbus.DeadLetter {
	s.mu.RLock()
	out := make([]txbus.DeadLetter, 0, len(s.msgs))
	for _, dl := range s.msgs {
		if filter.match(dl) {
			out = append(out, dl)
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, byAge)
	return out
}

func byAge(a, b txbus.DeadLetter) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func (s *MemoryStore) MarkReplayed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl, ok := s.msgs[id]
	if !ok {
		return ErrNotFound
	}
	dl.ReplayedAt = &at
	s.msgs[id] = dl
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.msgs[id]; !ok {
		return ErrNotFound
	}
	delete(s.msgs, id)
	return nil
}

func (s *MemoryStore) DeleteOlderThan(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, dl := range s.msgs {
		if dl.CreatedAt.Before(before) {
			delete(s.msgs, id)
			n++
		}
	}
	return n, nil
}
