package kvstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is an in-process Store used for single-node development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	now   func() time.Time
}

// NewMemoryStore creates an empty store using the wall clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock creates an empty store that reads time from now.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		items: make(map[string]memoryItem),
		now:   now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	item, ok := s.items[key]
	s.mu.RUnlock()

	if !ok || s.expired(item) {
		return nil, ErrNotFound
	}

	out := make([]byte, len(item.value))
	copy(out, item.value)
	return out, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	item := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	s.items[key] = item
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// List returns the live keys with the given prefix in lexical order.
func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0)
	for key, item := range s.items {
		if strings.HasPrefix(key, prefix) && !s.expired(item) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Sweep drops expired items and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, item := range s.items {
		if s.expired(item) {
			delete(s.items, key)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) expired(item memoryItem) bool {
	return !item.expiresAt.IsZero() && !s.now().Before(item.expiresAt)
}
