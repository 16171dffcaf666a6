package domain

import (
	"context"
	"time"
)

// CacheStrategy selects which tiers a cache operation touches.
type CacheStrategy int

const (
	// MemoryAndPersistent reads check memory first, then disk, promoting
	// persistent hits into the memory tier. Writes go to both tiers.
	MemoryAndPersistent CacheStrategy = iota
	// MemoryOnly confines the operation to the bounded in-process tier.
	MemoryOnly
	// PersistentOnly confines the operation to the disk-backed tier.
	PersistentOnly
)

func (s CacheStrategy) String() string {
	switch s {
	case MemoryOnly:
		return "memory_only"
	case PersistentOnly:
		return "persistent_only"
	default:
		return "memory_and_persistent"
	}
}

// CacheEntry is a single cached record. Entries are created by Set, have
// their recency updated on read, and are removed by Delete, TTL expiry,
// LRU eviction, or namespace clears.
type CacheEntry struct {
	Namespace    string    `json:"namespace"`
	Key          string    `json:"key"`
	Value        []byte    `json:"value"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"` // zero = never expires
	AccessCount  int64     `json:"access_count"`
	LastAccessed time.Time `json:"last_accessed"`
}

// Expired reports whether the entry's TTL has elapsed at the given time.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// CacheStats summarizes cache occupancy per tier and per namespace.
type CacheStats struct {
	MemoryEntries     int            `json:"memory_entries"`
	MemoryBytes       int64          `json:"memory_bytes"`
	PersistentEntries int            `json:"persistent_entries"`
	PersistentBytes   int64          `json:"persistent_bytes"`
	Namespaces        map[string]int `json:"namespaces"`
}

// Cache is the tiered key/value store consumed by agents and services.
// Values are opaque byte payloads; callers own serialization.
type Cache interface {
	// Get returns the cached value, or ErrCacheMiss when absent or expired.
	Get(ctx context.Context, namespace, key string, strategy CacheStrategy) ([]byte, error)
	// Set stores value under namespace:key. ttl <= 0 means never expire.
	Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration, strategy CacheStrategy) error
	// Delete removes the entry from all tiers. Returns true when anything
	// was removed.
	Delete(ctx context.Context, namespace, key string) (bool, error)
	// ClearNamespace removes every entry in the namespace from all tiers
	// and returns the number removed.
	ClearNamespace(ctx context.Context, namespace string) (int, error)
	// InvalidatePattern removes entries whose "namespace:key" matches the
	// glob pattern and returns the number removed.
	InvalidatePattern(ctx context.Context, pattern string) (int, error)
	// Stats reports entry counts and sizes per tier plus namespace counts.
	Stats(ctx context.Context) (CacheStats, error)
}
