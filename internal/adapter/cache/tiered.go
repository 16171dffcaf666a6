package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gobwas/glob"
	"github.com/robfig/cron/v3"

	"relaycore/internal/domain"
)

const (
	defaultMaxMemoryEntries = 1000
	defaultSweepInterval    = 5 * time.Minute
	cacheDBFile             = "cache.db"
)

// Config configures a TieredCache.
type Config struct {
	// Dir is the directory for the persistent tier database. Empty
	// disables the persistent tier entirely.
	Dir string
	// MaxMemoryEntries bounds the memory tier (default 1000).
	MaxMemoryEntries int
	// SweepInterval is the period of the background expiry sweep
	// (default 5m). Negative disables the sweeper.
	SweepInterval time.Duration
}

// TieredCache implements domain.Cache with a bounded LRU memory tier and
// an optional SQLite persistent tier. A cron job sweeps expired entries
// from both tiers independently of the read/write path.
type TieredCache struct {
	memory     *memoryTier
	persistent *persistentTier // nil when the persistent tier is disabled
	sweeper    *cron.Cron
	logger     *slog.Logger
}

var _ domain.Cache = (*TieredCache)(nil)

// NewTieredCache builds the tiers and starts the background sweeper.
// Callers must Close the cache to stop the sweeper and release the
// database handle.
func NewTieredCache(cfg Config, logger *slog.Logger) (*TieredCache, error) {
	memory, err := newMemoryTier(cfg.MaxMemoryEntries)
	if err != nil {
		return nil, fmt.Errorf("memory tier: %w", err)
	}

	c := &TieredCache{memory: memory, logger: logger}

	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
		persistent, err := newPersistentTier(filepath.Join(cfg.Dir, cacheDBFile))
		if err != nil {
			return nil, err
		}
		c.persistent = persistent
	}

	interval := cfg.SweepInterval
	if interval == 0 {
		interval = defaultSweepInterval
	}
	if interval > 0 {
		c.sweeper = cron.New()
		_, err := c.sweeper.AddFunc(fmt.Sprintf("@every %s", interval), func() {
			removed, err := c.Sweep(context.Background())
			if err != nil {
				logger.Error("cache sweep failed", "error", err)
				return
			}
			if removed > 0 {
				logger.Info("cache sweep removed expired entries", "removed", removed)
			}
		})
		if err != nil {
			c.closeTiers()
			return nil, fmt.Errorf("schedule sweep: %w", err)
		}
		c.sweeper.Start()
	}

	return c, nil
}

// Close stops the sweeper and closes the persistent tier.
func (c *TieredCache) Close() error {
	if c.sweeper != nil {
		<-c.sweeper.Stop().Done()
	}
	return c.closeTiers()
}

func (c *TieredCache) closeTiers() error {
	if c.persistent != nil {
		return c.persistent.close()
	}
	return nil
}

// Get implements domain.Cache. Memory is checked first when the strategy
// allows; persistent hits are promoted into the memory tier under
// MemoryAndPersistent, subject to LRU eviction.
func (c *TieredCache) Get(ctx context.Context, namespace, key string, strategy domain.CacheStrategy) ([]byte, error) {
	ck := cacheKey(namespace, key)
	now := time.Now()

	if strategy != domain.PersistentOnly {
		if entry, ok := c.memory.get(ck, now); ok {
			return entry.Value, nil
		}
	}

	if strategy != domain.MemoryOnly && c.persistent != nil {
		entry, ok, err := c.persistent.get(ctx, ck, now)
		if err != nil {
			return nil, domain.WrapOp("cache.Get", err)
		}
		if ok {
			if strategy == domain.MemoryAndPersistent {
				c.memory.set(ck, entry)
			}
			return entry.Value, nil
		}
	}

	return nil, domain.NewDomainError("cache.Get", domain.ErrCacheMiss, namespace+":"+key)
}

// Set implements domain.Cache. ttl <= 0 stores an entry that never expires.
func (c *TieredCache) Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration, strategy domain.CacheStrategy) error {
	now := time.Now()
	entry := &domain.CacheEntry{
		Namespace:    namespace,
		Key:          key,
		Value:        value,
		CreatedAt:    now,
		LastAccessed: now,
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	ck := cacheKey(namespace, key)
	if strategy != domain.PersistentOnly {
		c.memory.set(ck, entry)
	}
	if strategy != domain.MemoryOnly && c.persistent != nil {
		if err := c.persistent.set(ctx, ck, entry); err != nil {
			return domain.WrapOp("cache.Set", err)
		}
	}
	return nil
}

// Delete removes the entry from both tiers.
func (c *TieredCache) Delete(ctx context.Context, namespace, key string) (bool, error) {
	ck := cacheKey(namespace, key)
	deleted := c.memory.delete(ck)
	if c.persistent != nil {
		pd, err := c.persistent.delete(ctx, ck)
		if err != nil {
			return deleted, domain.WrapOp("cache.Delete", err)
		}
		deleted = deleted || pd
	}
	return deleted, nil
}

// ClearNamespace removes every entry in the namespace from both tiers.
func (c *TieredCache) ClearNamespace(ctx context.Context, namespace string) (int, error) {
	removed := c.memory.removeMatching(func(e *domain.CacheEntry) bool {
		return e.Namespace == namespace
	})
	if c.persistent != nil {
		n, err := c.persistent.clearNamespace(ctx, namespace)
		if err != nil {
			return removed, domain.WrapOp("cache.ClearNamespace", err)
		}
		removed += n
	}
	if removed > 0 {
		c.logger.Info("cache namespace cleared", "namespace", namespace, "removed", removed)
	}
	return removed, nil
}

// InvalidatePattern removes entries whose literal "namespace:key" matches
// the glob pattern, from both tiers.
func (c *TieredCache) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return 0, domain.NewDomainError("cache.InvalidatePattern", domain.ErrValidation, "bad pattern "+pattern)
	}

	removed := c.memory.removeMatching(func(e *domain.CacheEntry) bool {
		return g.Match(e.Namespace + ":" + e.Key)
	})
	if c.persistent != nil {
		n, err := c.persistent.removeMatching(ctx, func(namespace, key string) bool {
			return g.Match(namespace + ":" + key)
		})
		if err != nil {
			return removed, domain.WrapOp("cache.InvalidatePattern", err)
		}
		removed += n
	}
	if removed > 0 {
		c.logger.Info("cache entries invalidated", "pattern", pattern, "removed", removed)
	}
	return removed, nil
}

// Sweep removes expired entries from both tiers. Runs on the background
// schedule but is also callable directly.
func (c *TieredCache) Sweep(ctx context.Context) (int, error) {
	now := time.Now()
	removed := c.memory.sweep(now)
	if c.persistent != nil {
		n, err := c.persistent.sweep(ctx, now)
		if err != nil {
			return removed, domain.WrapOp("cache.Sweep", err)
		}
		removed += n
	}
	return removed, nil
}

// Stats implements domain.Cache.
func (c *TieredCache) Stats(ctx context.Context) (domain.CacheStats, error) {
	memEntries, memBytes, namespaces := c.memory.stats()
	stats := domain.CacheStats{
		MemoryEntries: memEntries,
		MemoryBytes:   memBytes,
		Namespaces:    namespaces,
	}

	if c.persistent != nil {
		entries, bytes, persistentNS, err := c.persistent.stats(ctx)
		if err != nil {
			return stats, domain.WrapOp("cache.Stats", err)
		}
		stats.PersistentEntries = entries
		stats.PersistentBytes = bytes
		for namespace, count := range persistentNS {
			if count > stats.Namespaces[namespace] {
				stats.Namespaces[namespace] = count
			}
		}
	}
	return stats, nil
}

// cacheKey hashes "namespace:key" into the stable storage key shared by
// both tiers and by persisted records across restarts.
func cacheKey(namespace, key string) string {
	sum := sha256.Sum256([]byte(namespace + ":" + key))
	return hex.EncodeToString(sum[:])
}
