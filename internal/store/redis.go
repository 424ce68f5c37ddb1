package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/credit-pool/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and refresh or invalidate the
// cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through ---

func (s *CachedStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	if err := s.primary.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	s.cacheSnapshot(ctx, snap)
	return nil
}

func (s *CachedStore) InsertEvents(ctx context.Context, events []model.Event) error {
	if err := s.primary.InsertEvents(ctx, events); err != nil {
		return err
	}
	// Invalidate the event caches this batch touched.
	keys := []string{recentKey()}
	for _, e := range events {
		if e.Account != "" {
			keys = append(keys, accountEventsKey(e.Account))
		}
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) LatestSnapshot(ctx context.Context) (*model.Snapshot, error) {
	data, err := s.rdb.Get(ctx, snapshotKey()).Bytes()
	if err == nil {
		var snap model.Snapshot
		if json.Unmarshal(data, &snap) == nil && snap.State != nil {
			return &snap, nil
		}
	}

	// Cache miss: read from primary.
	snap, err := s.primary.LatestSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	s.cacheSnapshot(ctx, snap)
	return snap, nil
}

func (s *CachedStore) EventsByAccount(ctx context.Context, account model.Address, limit int) ([]model.Event, error) {
	key := accountEventsKey(account)
	field := fmt.Sprint(limit)
	if data, err := s.rdb.HGet(ctx, key, field).Bytes(); err == nil {
		var events []model.Event
		if json.Unmarshal(data, &events) == nil {
			return events, nil
		}
	}

	events, err := s.primary.EventsByAccount(ctx, account, limit)
	if err != nil {
		return nil, err
	}
	s.cacheEvents(ctx, key, field, events)
	return events, nil
}

func (s *CachedStore) RecentEvents(ctx context.Context, limit int) ([]model.Event, error) {
	key := recentKey()
	field := fmt.Sprint(limit)
	if data, err := s.rdb.HGet(ctx, key, field).Bytes(); err == nil {
		var events []model.Event
		if json.Unmarshal(data, &events) == nil {
			return events, nil
		}
	}

	events, err := s.primary.RecentEvents(ctx, limit)
	if err != nil {
		return nil, err
	}
	s.cacheEvents(ctx, key, field, events)
	return events, nil
}

// --- Cache helpers ---

func (s *CachedStore) cacheSnapshot(ctx context.Context, snap *model.Snapshot) {
	if data, err := json.Marshal(snap); err == nil {
		s.rdb.Set(ctx, snapshotKey(), data, s.ttl)
	}
}

func (s *CachedStore) cacheEvents(ctx context.Context, key, field string, events []model.Event) {
	data, err := json.Marshal(events)
	if err != nil {
		return
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, field, data)
	pipe.Expire(ctx, key, s.ttl)
	_, _ = pipe.Exec(ctx)
}

func snapshotKey() string { return "creditpool:snapshot:latest" }
func recentKey() string   { return "creditpool:events:recent" }
func accountEventsKey(account model.Address) string {
	return fmt.Sprintf("creditpool:events:%s", account)
}
