package adminrights

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// backend is the storage behind MemoryStore; an EvictionPolicy chooses it.
type backend interface {
	Get(k Key) (Entry, bool)
	Add(k Key, e Entry)
	Remove(k Key)
	Keys() []Key
	Len() int
}

// EvictionPolicy decides what MemoryStore drops when it grows.
type EvictionPolicy interface {
	newBackend() backend
}

type unboundedPolicy struct{}

// Unbounded keeps every entry until Sweep removes it after expiry.
func Unbounded() EvictionPolicy { return unboundedPolicy{} }

func (unboundedPolicy) newBackend() backend { return mapBackend{} }

type lruPolicy struct{ capacity int }

// LRU keeps at most capacity entries, dropping the least recently used.
func LRU(capacity int) EvictionPolicy { return lruPolicy{capacity: capacity} }

func (p lruPolicy) newBackend() backend {
	cache, err := lru.New[Key, Entry](p.capacity)
	if err != nil {
		// only a non-positive size fails
		return mapBackend{}
	}
	return lruBackend{cache: cache}
}

type mapBackend map[Key]Entry

func (m mapBackend) Get(k Key) (Entry, bool) {
	e, ok := m[k]
	return e, ok
}

func (m mapBackend) Add(k Key, e Entry) { m[k] = e }

func (m mapBackend) Remove(k Key) { delete(m, k) }

func (m mapBackend) Len() int { return len(m) }

func (m mapBackend) Keys() []Key {
	keys := make([]Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

type lruBackend struct {
	cache *lru.Cache[Key, Entry]
}

func (b lruBackend) Get(k Key) (Entry, bool) { return b.cache.Get(k) }

func (b lruBackend) Add(k Key, e Entry) { b.cache.Add(k, e) }

func (b lruBackend) Remove(k Key) { b.cache.Remove(k) }

func (b lruBackend) Keys() []Key { return b.cache.Keys() }

func (b lruBackend) Len() int { return b.cache.Len() }

// MemoryStore is an in-process Store. It suits single-node deployments and
// tests; RedisStore is the shared implementation.
type MemoryStore struct {
	mu      sync.RWMutex
	entries backend
	now     func() time.Time
}

// NewMemoryStore creates a store with the given eviction policy (nil means
// Unbounded) and clock (nil means time.Now).
func NewMemoryStore(policy EvictionPolicy, now func() time.Time) *MemoryStore {
	if policy == nil {
		policy = Unbounded()
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{entries: policy.newBackend(), now: now}
}

func (s *MemoryStore) Upsert(_ context.Context, obs Observation) (bool, error) {
	incoming := obs.Entry()

	s.mu.Lock()
	defer s.mu.Unlock()

	// an expired entry no longer holds the watermark, as in Redis where the
	// key is already gone
	var current *Entry
	if e, ok := s.entries.Get(incoming.Key()); ok && s.now().Before(e.ExpiresAt) {
		current = &e
	}
	merged, applied := Merge(current, incoming)
	if applied {
		s.entries.Add(merged.Key(), merged)
	}
	return applied, nil
}

func (s *MemoryStore) Lookup(_ context.Context, chatID, userID int64) bool {
	s.mu.RLock()
	e, ok := s.entries.Get(Key{ChatID: chatID, UserID: userID})
	s.mu.RUnlock()
	return ok && e.Grants(s.now())
}

func (s *MemoryStore) Snapshot(_ context.Context, keys []Key) Facts {
	now := s.now()
	facts := make(Facts)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range keys {
		if e, ok := s.entries.Get(k); ok && e.Grants(now) {
			facts[k] = struct{}{}
		}
	}
	return facts
}

// Get returns the raw entry, expired or not. Intended for diagnostics.
func (s *MemoryStore) Get(chatID, userID int64) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries.Get(Key{ChatID: chatID, UserID: userID})
}

// Sweep drops expired entries and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, k := range s.entries.Keys() {
		if e, ok := s.entries.Get(k); ok && !now.Before(e.ExpiresAt) {
			s.entries.Remove(k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, including expired ones.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries.Len()
}
