package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Store is an in-process TTL cache. A janitor goroutine evicts expired
// entries; Stop it when the store is discarded.
type Store[V any] struct {
	ttl  time.Duration
	done chan struct{}

	mu      sync.RWMutex
	entries map[string]entry[V]

	hits   uint64
	misses uint64
}

func New[V any](ttl time.Duration) *Store[V] {
	if ttl <= 0 {
		ttl = time.Minute
	}
	s := &Store[V]{
		ttl:     ttl,
		done:    make(chan struct{}),
		entries: make(map[string]entry[V]),
	}
	go s.janitor()
	return s
}

func (s *Store[V]) Get(key string) (V, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || time.Now().After(e.expiresAt) {
		s.mu.Lock()
		s.misses++
		if ok {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		var zero V
		return zero, false
	}

	s.mu.Lock()
	s.hits++
	s.mu.Unlock()
	return e.value, true
}

func (s *Store[V]) Set(key string, value V) {
	s.SetTTL(key, value, s.ttl)
}

func (s *Store[V]) SetTTL(key string, value V, ttl time.Duration) {
	s.mu.Lock()
	s.entries[key] = entry[V]{value: value, expiresAt: time.Now().Add(ttl)}
	s.mu.Unlock()
}

func (s *Store[V]) Delete(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// DeletePrefix removes every entry whose key starts with prefix.
func (s *Store[V]) DeletePrefix(prefix string) {
	s.mu.Lock()
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
		}
	}
	s.mu.Unlock()
}

// GetOrLoad returns the cached value or fills it from loader. Concurrent
// callers for a missing key may each invoke loader; last write wins.
func (s *Store[V]) GetOrLoad(ctx context.Context, key string, loader func(ctx context.Context) (V, error)) (V, error) {
	if value, ok := s.Get(key); ok {
		return value, nil
	}

	value, err := loader(ctx)
	if err != nil {
		var zero V
		return zero, err
	}

	s.Set(key, value)
	return value, nil
}

func (s *Store[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

type Stats struct {
	Entries int
	Hits    uint64
	Misses  uint64
}

func (s *Store[V]) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Entries: len(s.entries), Hits: s.hits, Misses: s.misses}
}

func (s *Store[V]) Stop() {
	close(s.done)
}

func (s *Store[V]) janitor() {
	ticker := time.NewTicker(s.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for key, e := range s.entries {
				if now.After(e.expiresAt) {
					delete(s.entries, key)
				}
			}
			s.mu.Unlock()
		}
	}
}
