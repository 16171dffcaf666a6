package cache

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"relaycore/internal/domain"
)

// persistentTier is the disk-backed tier. Records are keyed by the
// deterministic hash of "namespace:key" so a warm cache survives process
// restarts. Rows with unparsable timestamps are treated as expired and
// purged on read or sweep.
type persistentTier struct {
	db *sql.DB
}

func newPersistentTier(dbPath string) (*persistentTier, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}
	return &persistentTier{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS cache_entries (
			cache_key     TEXT PRIMARY KEY,
			namespace     TEXT NOT NULL,
			key           TEXT NOT NULL,
			value         BLOB NOT NULL,
			created_at    TEXT NOT NULL,
			expires_at    TEXT,
			access_count  INTEGER NOT NULL DEFAULT 0,
			last_accessed TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cache_namespace ON cache_entries(namespace);
	`)
	return err
}

func (p *persistentTier) close() error {
	return p.db.Close()
}

// get loads a valid entry and bumps its access counters. A missing,
// expired, or corrupt row is a miss; expired and corrupt rows are deleted.
func (p *persistentTier) get(ctx context.Context, cacheKey string, now time.Time) (*domain.CacheEntry, bool, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT namespace, key, value, created_at, expires_at, access_count, last_accessed
		FROM cache_entries WHERE cache_key = ?`, cacheKey)

	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		// Corrupt row: purge it and report a miss.
		if _, delErr := p.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE cache_key = ?", cacheKey); delErr != nil {
			return nil, false, fmt.Errorf("purge corrupt entry: %w", delErr)
		}
		return nil, false, nil
	}
	if entry.Expired(now) {
		if _, err := p.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE cache_key = ?", cacheKey); err != nil {
			return nil, false, fmt.Errorf("evict expired entry: %w", err)
		}
		return nil, false, nil
	}

	entry.AccessCount++
	entry.LastAccessed = now
	if _, err := p.db.ExecContext(ctx,
		"UPDATE cache_entries SET access_count = ?, last_accessed = ? WHERE cache_key = ?",
		entry.AccessCount, formatTime(now), cacheKey,
	); err != nil {
		return nil, false, fmt.Errorf("update access stats: %w", err)
	}
	return entry, true, nil
}

func (p *persistentTier) set(ctx context.Context, cacheKey string, entry *domain.CacheEntry) error {
	var expires any
	if !entry.ExpiresAt.IsZero() {
		expires = formatTime(entry.ExpiresAt)
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO cache_entries
			(cache_key, namespace, key, value, created_at, expires_at, access_count, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cacheKey, entry.Namespace, entry.Key, entry.Value,
		formatTime(entry.CreatedAt), expires, entry.AccessCount, formatTime(entry.LastAccessed),
	)
	return err
}

func (p *persistentTier) delete(ctx context.Context, cacheKey string) (bool, error) {
	res, err := p.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE cache_key = ?", cacheKey)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *persistentTier) clearNamespace(ctx context.Context, namespace string) (int, error) {
	res, err := p.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE namespace = ?", namespace)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// removeMatching deletes every row whose "namespace:key" the matcher
// selects and returns the count.
func (p *persistentTier) removeMatching(ctx context.Context, match func(namespace, key string) bool) (int, error) {
	rows, err := p.db.QueryContext(ctx, "SELECT cache_key, namespace, key FROM cache_entries")
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var doomed []string
	for rows.Next() {
		var cacheKey, namespace, key string
		if err := rows.Scan(&cacheKey, &namespace, &key); err != nil {
			return 0, err
		}
		if match(namespace, key) {
			doomed = append(doomed, cacheKey)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(doomed)), ",")
	args := make([]any, len(doomed))
	for i, k := range doomed {
		args[i] = k
	}
	res, err := p.db.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE cache_key IN ("+placeholders+")", args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// sweep removes expired rows and purges rows whose expiry cannot be parsed.
func (p *persistentTier) sweep(ctx context.Context, now time.Time) (int, error) {
	rows, err := p.db.QueryContext(ctx, "SELECT cache_key, expires_at FROM cache_entries WHERE expires_at IS NOT NULL")
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var doomed []string
	for rows.Next() {
		var cacheKey, expiresAt string
		if err := rows.Scan(&cacheKey, &expiresAt); err != nil {
			return 0, err
		}
		exp, err := time.Parse(time.RFC3339Nano, expiresAt)
		if err != nil || !now.Before(exp) {
			doomed = append(doomed, cacheKey)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	removed := 0
	for _, cacheKey := range doomed {
		if _, err := p.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE cache_key = ?", cacheKey); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// stats reports row count, payload bytes, and per-namespace counts.
func (p *persistentTier) stats(ctx context.Context) (entries int, bytes int64, namespaces map[string]int, err error) {
	row := p.db.QueryRowContext(ctx, "SELECT COUNT(*), COALESCE(SUM(LENGTH(value)), 0) FROM cache_entries")
	if err := row.Scan(&entries, &bytes); err != nil {
		return 0, 0, nil, err
	}

	rows, err := p.db.QueryContext(ctx, "SELECT namespace, COUNT(*) FROM cache_entries GROUP BY namespace")
	if err != nil {
		return 0, 0, nil, err
	}
	defer rows.Close()

	namespaces = make(map[string]int)
	for rows.Next() {
		var namespace string
		var count int
		if err := rows.Scan(&namespace, &count); err != nil {
			return 0, 0, nil, err
		}
		namespaces[namespace] = count
	}
	return entries, bytes, namespaces, rows.Err()
}

func scanEntry(row *sql.Row) (*domain.CacheEntry, error) {
	var entry domain.CacheEntry
	var createdAt, lastAccessed string
	var expiresAt sql.NullString

	err := row.Scan(&entry.Namespace, &entry.Key, &entry.Value,
		&createdAt, &expiresAt, &entry.AccessCount, &lastAccessed)
	if err != nil {
		return nil, err
	}

	if entry.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("%w: created_at: %v", domain.ErrCacheCorrupt, err)
	}
	if entry.LastAccessed, err = time.Parse(time.RFC3339Nano, lastAccessed); err != nil {
		return nil, fmt.Errorf("%w: last_accessed: %v", domain.ErrCacheCorrupt, err)
	}
	if expiresAt.Valid {
		if entry.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt.String); err != nil {
			return nil, fmt.Errorf("%w: expires_at: %v", domain.ErrCacheCorrupt, err)
		}
	}
	return &entry, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
