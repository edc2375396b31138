package cache

import (
	"sync"

	"github.com/rs/zerolog"

	"batchgofer/batcher"
)

// Memoizer sits in front of a Batcher: identical keys submitted while a
// request is in flight share one ticket, and successful results are cached
// so repeat requests skip the queue entirely. Failures are never cached.
type Memoizer[K comparable, O any] struct {
	b      *batcher.Batcher[K, O]
	cache  Cache[K, O]
	logger zerolog.Logger

	mu       sync.Mutex
	inflight map[K]*batcher.Ticket[O]
}

// NewMemoizer wraps b with the given cache. Pass a Noop cache to keep only
// in-flight deduplication.
func NewMemoizer[K comparable, O any](b *batcher.Batcher[K, O], c Cache[K, O], logger zerolog.Logger) *Memoizer[K, O] {
	return &Memoizer[K, O]{
		b:        b,
		cache:    c,
		logger:   logger.With().Str("component", "memoizer").Logger(),
		inflight: make(map[K]*batcher.Ticket[O]),
	}
}

// GetResult returns a ticket for key: a cached result if present, the
// in-flight ticket if the same key is already queued, or a freshly queued
// request otherwise.
func (m *Memoizer[K, O]) GetResult(key K) *batcher.Ticket[O] {
	m.mu.Lock()
	if t, ok := m.inflight[key]; ok {
		m.mu.Unlock()
		return t
	}
	if v, ok := m.cache.Get(key); ok {
		m.mu.Unlock()
		m.logger.Debug().Interface("key", key).Msg("cache hit")
		return batcher.ResolvedTicket(v)
	}

	t := m.b.GetResult(key)
	m.inflight[key] = t
	m.mu.Unlock()

	go func() {
		<-t.Done()
		v, err := t.Result()

		m.mu.Lock()
		if m.inflight[key] == t {
			delete(m.inflight, key)
		}
		m.mu.Unlock()

		if err == nil {
			m.cache.Set(key, v)
		}
	}()

	return t
}

// Send flushes the underlying batcher.
func (m *Memoizer[K, O]) Send() {
	m.b.Send()
}

// Idling reports whether the underlying batcher is idle.
func (m *Memoizer[K, O]) Idling() bool {
	return m.b.Idling()
}

// Idle returns the underlying batcher's idle channel.
func (m *Memoizer[K, O]) Idle() <-chan struct{} {
	return m.b.Idle()
}

// Close closes the underlying batcher and the cache.
func (m *Memoizer[K, O]) Close() {
	m.b.Close()
	m.cache.Close()
}
