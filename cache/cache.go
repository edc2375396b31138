// Package cache provides result caching and request deduplication layers for
// use in front of a batcher.
package cache

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache stores settled results keyed by request input.
type Cache[K comparable, V any] interface {
	// Get retrieves a cached value by key.
	Get(key K) (V, bool)

	// Set stores a value in the cache.
	Set(key K, value V)

	// Close releases any resources held by the cache.
	Close()
}

// entry is a cached value with expiration.
type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Memory is an in-memory LRU cache with TTL support.
type Memory[K comparable, V any] struct {
	cache *lru.Cache[K, *entry[V]]
	ttl   time.Duration
	stop  chan struct{}
	once  sync.Once
	mu    sync.RWMutex
}

// NewMemory creates an in-memory cache holding up to size entries, each
// valid for ttl. Size and ttl must be positive.
func NewMemory[K comparable, V any](size int, ttl time.Duration) (*Memory[K, V], error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if ttl <= 0 {
		return nil, errors.New("cache ttl must be positive")
	}

	cache, err := lru.New[K, *entry[V]](size)
	if err != nil {
		return nil, err
	}

	m := &Memory[K, V]{
		cache: cache,
		ttl:   ttl,
		stop:  make(chan struct{}),
	}

	go m.cleanupLoop()

	return m, nil
}

// Get retrieves a value from the cache.
func (m *Memory[K, V]) Get(key K) (V, bool) {
	m.mu.RLock()
	e, ok := m.cache.Get(key)
	m.mu.RUnlock()

	if !ok {
		var zero V
		return zero, false
	}

	if time.Now().After(e.expiresAt) {
		m.mu.Lock()
		m.cache.Remove(key)
		m.mu.Unlock()
		var zero V
		return zero, false
	}

	return e.value, true
}

// Set stores a value in the cache.
func (m *Memory[K, V]) Set(key K, value V) {
	e := &entry[V]{
		value:     value,
		expiresAt: time.Now().Add(m.ttl),
	}

	m.mu.Lock()
	m.cache.Add(key, e)
	m.mu.Unlock()
}

// Close stops the cleanup goroutine.
func (m *Memory[K, V]) Close() {
	m.once.Do(func() {
		close(m.stop)
	})
}

// cleanupLoop periodically removes expired entries.
func (m *Memory[K, V]) cleanupLoop() {
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.removeExpired()
		}
	}
}

// removeExpired removes all expired entries from the cache.
func (m *Memory[K, V]) removeExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, key := range m.cache.Keys() {
		e, ok := m.cache.Peek(key)
		if ok && now.After(e.expiresAt) {
			m.cache.Remove(key)
		}
	}
}

// Noop is a cache that stores nothing (used when caching is disabled).
type Noop[K comparable, V any] struct{}

// NewNoop creates a new no-op cache.
func NewNoop[K comparable, V any]() *Noop[K, V] {
	return &Noop[K, V]{}
}

// Get always returns not found.
func (*Noop[K, V]) Get(key K) (V, bool) {
	var zero V
	return zero, false
}

// Set does nothing.
func (*Noop[K, V]) Set(key K, value V) {}

// Close does nothing.
func (*Noop[K, V]) Close() {}
