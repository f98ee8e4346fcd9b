// Package cache stores report results so identical queries inside the
// freshness window never reach the remote service twice.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/j-veylop/analytics-counter/internal/logger"
	"github.com/j-veylop/analytics-counter/internal/models"
)

// KeyPrefix namespaces every cache key.
const KeyPrefix = "analytics_counter_"

// Store persists encoded cache entries.
type Store interface {
	GetCacheEntry(ctx context.Context, key string, now time.Time) ([]byte, bool, error)
	SetCacheEntry(ctx context.Context, key string, value []byte, expiresAt time.Time) error
	PurgeExpiredCache(ctx context.Context, now time.Time) (int64, error)
	ClearCache(ctx context.Context) error
}

// Stats tracks cache performance.
type Stats struct {
	Hits   int64
	Misses int64
	Writes int64
}

// Cache is a persistent TTL cache of report results.
type Cache struct {
	store  Store
	now    func() time.Time
	hits   atomic.Int64
	misses atomic.Int64
	writes atomic.Int64
}

// New creates a cache on top of store. A nil now uses time.Now.
func New(store Store, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{store: store, now: now}
}

// KeyFor derives the cache key of a query: a SHA-256 digest of the
// canonical JSON of the normalized query. Logically identical queries map
// to the same key.
func KeyFor(q models.Query) (string, error) {
	data, err := json.Marshal(normalize(q))
	if err != nil {
		return "", fmt.Errorf("failed to encode query: %w", err)
	}
	sum := sha256.Sum256(data)
	return KeyPrefix + hex.EncodeToString(sum[:]), nil
}

// normalize trims every parameter and orders the metric and dimension
// sets. Sort order is significant and kept as given.
func normalize(q models.Query) models.Query {
	q.ProfileID = strings.TrimSpace(q.ProfileID)
	q.Filters = strings.TrimSpace(q.Filters)
	q.Segment = strings.TrimSpace(q.Segment)
	q.StartDate = strings.TrimSpace(q.StartDate)
	q.EndDate = strings.TrimSpace(q.EndDate)
	q.Metrics = sortedTrimmed(q.Metrics)
	q.Dimensions = sortedTrimmed(q.Dimensions)
	q.Sort = trimmed(q.Sort)
	return q
}

func trimmed(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func sortedTrimmed(values []string) []string {
	out := trimmed(values)
	slices.Sort(out)
	return out
}

// Get returns the cached result for key. Absent and expired entries are
// misses.
func (c *Cache) Get(ctx context.Context, key string) (*models.RemoteResult, bool, error) {
	data, ok, err := c.store.GetCacheEntry(ctx, key, c.now())
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache: %w", err)
	}
	if !ok {
		c.misses.Add(1)
		return nil, false, nil
	}

	var result models.RemoteResult
	if err := json.Unmarshal(data, &result); err != nil {
		// A corrupt entry is treated as a miss and overwritten by the next Set.
		logger.Warn("discarding undecodable cache entry", "key", key, "error", err)
		c.misses.Add(1)
		return nil, false, nil
	}

	c.hits.Add(1)
	return &result, true, nil
}

// Set stores value under key until ttl has elapsed, replacing any entry.
func (c *Cache) Set(ctx context.Context, key string, value *models.RemoteResult, ttl time.Duration) error {
	if value == nil {
		return fmt.Errorf("cannot cache a nil result")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	if err := c.store.SetCacheEntry(ctx, key, data, c.now().Add(ttl)); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	c.writes.Add(1)
	return nil
}

// Purge removes expired entries and returns how many were removed.
func (c *Cache) Purge(ctx context.Context) (int64, error) {
	n, err := c.store.PurgeExpiredCache(ctx, c.now())
	if err != nil {
		return 0, fmt.Errorf("failed to purge cache: %w", err)
	}
	if n > 0 {
		logger.Debug("purged expired cache entries", "count", n)
	}
	return n, nil
}

// Clear removes every entry.
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.store.ClearCache(ctx); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

// GetStats returns the hit, miss and write counters of this process.
func (c *Cache) GetStats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Writes: c.writes.Load(),
	}
}
