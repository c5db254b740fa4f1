package probe

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/EnviralDesign/media-spacesaver-suite/internal/metrics"
)

const (
	defaultCacheTTL        = 24 * time.Hour
	defaultCacheMaxEntries = 4096
)

// CacheKey builds the lookup key for a probe result. The fingerprint is
// part of the key, so a changed file can never be served stale metadata.
func CacheKey(path, fingerprint string) string {
	return path + "|" + fingerprint
}

type cachedProbe struct {
	meta      Metadata
	updatedAt time.Time
	expiresAt time.Time
}

// Backend is an optional shared cache layered in front of the in-memory
// map, used when several coordinators share one probe workload.
type Backend interface {
	Get(ctx context.Context, key string) (Metadata, bool, error)
	Set(ctx context.Context, key string, meta Metadata, ttl time.Duration) error
}

// Cache remembers probe results by path+fingerprint with a TTL and a size
// cap. All methods are safe for concurrent use.
type Cache struct {
	ttl        time.Duration
	maxEntries int
	backend    Backend
	logger     *slog.Logger

	mu      sync.Mutex
	entries map[string]*cachedProbe
}

func NewCache(backend Backend, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		ttl:        defaultCacheTTL,
		maxEntries: defaultCacheMaxEntries,
		backend:    backend,
		logger:     logger.With(slog.String("component", "probe-cache")),
		entries:    map[string]*cachedProbe{},
	}
}

func (c *Cache) Lookup(ctx context.Context, key string, now time.Time) (*Metadata, bool) {
	if c.backend != nil {
		meta, found, err := c.backend.Get(ctx, key)
		if err == nil && found {
			metrics.ProbeCacheHitsTotal.Inc()
			c.storeMemory(key, meta, now)
			return &meta, true
		}
		if err != nil {
			c.logger.Debug("cache backend get failed", slog.Any("error", err))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		metrics.ProbeCacheMissesTotal.Inc()
		return nil, false
	}
	if now.After(entry.expiresAt) {
		delete(c.entries, key)
		metrics.ProbeCacheMissesTotal.Inc()
		return nil, false
	}
	metrics.ProbeCacheHitsTotal.Inc()
	meta := entry.meta
	return &meta, true
}

func (c *Cache) Store(ctx context.Context, key string, meta Metadata, now time.Time) {
	if c.backend != nil {
		if err := c.backend.Set(ctx, key, meta, c.ttl); err != nil {
			c.logger.Debug("cache backend set failed", slog.Any("error", err))
		}
	}
	c.storeMemory(key, meta, now)
}

func (c *Cache) storeMemory(key string, meta Metadata, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &cachedProbe{
		meta:      meta,
		updatedAt: now,
		expiresAt: now.Add(c.ttl),
	}
	c.trimLocked(now)
}

func (c *Cache) trimLocked(now time.Time) {
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
	if len(c.entries) <= c.maxEntries {
		return
	}

	type pair struct {
		key   string
		entry *cachedProbe
	}
	items := make([]pair, 0, len(c.entries))
	for key, entry := range c.entries {
		items = append(items, pair{key: key, entry: entry})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].entry.updatedAt.Before(items[j].entry.updatedAt)
	})
	for i := 0; i < len(items)-c.maxEntries; i++ {
		delete(c.entries, items[i].key)
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
