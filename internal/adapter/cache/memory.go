package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"relaycore/internal/domain"
)

// memoryTier is the bounded in-process tier. The LRU holds at most
// maxEntries live entries; inserting into a full tier evicts the least
// recently accessed entry first. Expired entries are evicted on access.
type memoryTier struct {
	mu  sync.Mutex
	lru *lru.Cache[string, *domain.CacheEntry]
}

func newMemoryTier(maxEntries int) (*memoryTier, error) {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	c, err := lru.New[string, *domain.CacheEntry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &memoryTier{lru: c}, nil
}

// get returns a valid entry and refreshes its recency, or false on miss.
func (m *memoryTier) get(cacheKey string, now time.Time) (*domain.CacheEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.lru.Get(cacheKey)
	if !ok {
		return nil, false
	}
	if entry.Expired(now) {
		m.lru.Remove(cacheKey)
		return nil, false
	}
	entry.AccessCount++
	entry.LastAccessed = now
	return entry, true
}

func (m *memoryTier) set(cacheKey string, entry *domain.CacheEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Add(cacheKey, entry)
}

func (m *memoryTier) delete(cacheKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Remove(cacheKey)
}

// removeMatching evicts every entry the predicate selects and returns the
// count. Iteration uses Peek so it does not disturb recency ordering.
func (m *memoryTier) removeMatching(match func(*domain.CacheEntry) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for _, key := range m.lru.Keys() {
		entry, ok := m.lru.Peek(key)
		if !ok {
			continue
		}
		if match(entry) {
			m.lru.Remove(key)
			removed++
		}
	}
	return removed
}

// sweep evicts expired entries.
func (m *memoryTier) sweep(now time.Time) int {
	return m.removeMatching(func(e *domain.CacheEntry) bool {
		return e.Expired(now)
	})
}

// stats reports entry count, payload bytes, and per-namespace counts.
func (m *memoryTier) stats() (entries int, bytes int64, namespaces map[string]int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	namespaces = make(map[string]int)
	for _, key := range m.lru.Keys() {
		entry, ok := m.lru.Peek(key)
		if !ok {
			continue
		}
		entries++
		bytes += int64(len(entry.Value))
		namespaces[entry.Namespace]++
	}
	return entries, bytes, namespaces
}
