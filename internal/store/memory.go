package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/atmx/credit-pool/internal/model"
)

// MemoryStore implements Store with in-memory slices. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots []model.Snapshot
	events    []model.Event
	seen      map[string]bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]bool)}
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snap *model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.snapshots); n > 0 && snap.Version <= s.snapshots[n-1].Version {
		return fmt.Errorf("snapshot version %d not after %d", snap.Version, s.snapshots[n-1].Version)
	}
	// Store a copy to avoid external mutation.
	s.snapshots = append(s.snapshots, model.Snapshot{
		Version:   snap.Version,
		State:     snap.State.Clone(),
		CreatedAt: snap.CreatedAt,
	})
	return nil
}

func (s *MemoryStore) LatestSnapshot(_ context.Context) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.snapshots) == 0 {
		return nil, ErrNotFound
	}
	last := s.snapshots[len(s.snapshots)-1]
	return &model.Snapshot{
		Version:   last.Version,
		State:     last.State.Clone(),
		CreatedAt: last.CreatedAt,
	}, nil
}

func (s *MemoryStore) InsertEvents(_ context.Context, events []model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		if s.seen[e.ID] {
			return fmt.Errorf("event %s already recorded", e.ID)
		}
	}
	for _, e := range events {
		s.seen[e.ID] = true
		s.events = append(s.events, e)
	}
	return nil
}

func (s *MemoryStore) EventsByAccount(_ context.Context, account model.Address, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Event
	for _, e := range s.events {
		if e.Account == account {
			result = append(result, e)
		}
	}
	return tail(result, limit), nil
}

func (s *MemoryStore) RecentEvents(_ context.Context, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return tail(append([]model.Event(nil), s.events...), limit), nil
}

// tail keeps the last limit entries. limit <= 0 keeps everything.
func tail(events []model.Event, limit int) []model.Event {
	if limit > 0 && len(events) > limit {
		return events[len(events)-limit:]
	}
	return events
}
