// Package cache stores completed research results keyed by the hash of the
// normalized query.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"deepresearch/internal/config"
	"deepresearch/internal/logging"
	"deepresearch/internal/types"
)

// ErrMiss is returned by stores when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Store is a cache backend.
type Store interface {
	Get(ctx context.Context, key string) (*types.CachedResult, error)
	Put(ctx context.Context, key string, result *types.CachedResult, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Purge removes expired entries and returns how many were removed.
	Purge(ctx context.Context) (int, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// Normalize lowercases, trims and collapses whitespace so trivially
// different phrasings of the same query share a cache entry.
func Normalize(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// Key returns the cache key for a query.
func Key(query string) string {
	sum := sha256.Sum256([]byte(Normalize(query)))
	return hex.EncodeToString(sum[:])
}

// Cache wraps a Store with the configured TTL.
type Cache struct {
	store Store
	mu    sync.RWMutex
	ttl   time.Duration
}

// New wraps store with ttl.
func New(store Store, ttl time.Duration) *Cache {
	return &Cache{store: store, ttl: ttl}
}

// Open builds the backend selected by cfg.
func Open(ctx context.Context, cfg config.CacheConfig, ttl time.Duration) (*Cache, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Driver {
	case "", "memory":
		store = NewMemoryStore(cfg.MaxEntries)
	case "sqlite":
		store, err = OpenSQLite(ctx, cfg.DSN)
	case "postgres":
		store, err = OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown cache driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	logging.Cache("cache opened (driver=%s ttl=%v)", cfg.Driver, ttl)
	return New(store, ttl), nil
}

// SetTTL changes the TTL used for future writes.
func (c *Cache) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttl = ttl
}

// TTL returns the current TTL.
func (c *Cache) TTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ttl
}

// Lookup returns the cached result for query. Backend errors are logged and
// reported as a miss so a broken cache never fails a request.
func (c *Cache) Lookup(ctx context.Context, query string) (*types.CachedResult, bool) {
	key := Key(query)
	res, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			logging.CacheWarn("lookup %s failed: %v", key[:12], err)
		}
		return nil, false
	}
	logging.CacheDebug("hit %s", key[:12])
	return res, true
}

// Save stores a completed result for query.
func (c *Cache) Save(ctx context.Context, query string, result *types.CachedResult) error {
	key := Key(query)
	if result.StoredAt.IsZero() {
		result.StoredAt = time.Now().UTC()
	}
	if err := c.store.Put(ctx, key, result, c.TTL()); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	logging.CacheDebug("stored %s", key[:12])
	return nil
}

// Invalidate removes the entry for query.
func (c *Cache) Invalidate(ctx context.Context, query string) error {
	return c.store.Delete(ctx, Key(query))
}

// Purge removes expired entries.
func (c *Cache) Purge(ctx context.Context) (int, error) {
	return c.store.Purge(ctx)
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len(ctx context.Context) (int, error) {
	return c.store.Len(ctx)
}

// Close releases the backend.
func (c *Cache) Close() error {
	return c.store.Close()
}
