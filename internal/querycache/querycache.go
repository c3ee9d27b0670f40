// Package querycache memoizes successful query results keyed by connection
// and normalized statement text, with TTL expiry and bounded capacity.
package querycache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/querygate/querygate/internal/executor"
	"github.com/querygate/querygate/internal/metrics"
)

const (
	defaultTTL      = 60 * time.Second
	defaultCapacity = 1024
)

type Config struct {
	Logger *slog.Logger

	// TTL is how long a cached result stays fresh. Entries are evicted on
	// expiry regardless of access.
	TTL time.Duration

	// Capacity bounds the number of cached results; the oldest entry is
	// evicted when full.
	Capacity uint64
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = defaultCapacity
	}
	return nil
}

// Cache stores successful results only. Entries are treated as immutable by
// all callers; a hit returns the stored result as-is.
type Cache struct {
	log   *slog.Logger
	cache *ttlcache.Cache[string, *executor.Result]
}

func New(cfg Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate cache config: %w", err)
	}
	c := ttlcache.New[string, *executor.Result](
		ttlcache.WithTTL[string, *executor.Result](cfg.TTL),
		ttlcache.WithCapacity[string, *executor.Result](cfg.Capacity),
		ttlcache.WithDisableTouchOnHit[string, *executor.Result](),
	)
	go c.Start()
	return &Cache{log: cfg.Logger, cache: c}, nil
}

// Key derives the cache key for a statement on a connection. Whitespace runs
// in the SQL are collapsed so trivial reformattings share an entry; any other
// textual difference is a distinct key.
func Key(connection, sqlText string) string {
	normalized := strings.Join(strings.Fields(sqlText), " ")
	sum := sha256.Sum256([]byte(connection + "\x00" + normalized))
	return hex.EncodeToString(sum[:])
}

// GetOrCompute returns the cached result for the statement, or runs compute
// and stores its result on success. Failed computations are never cached, so
// the next identical request retries the backend.
func (c *Cache) GetOrCompute(ctx context.Context, connection, sqlText string, compute func(context.Context) (*executor.Result, error)) (*executor.Result, bool, error) {
	key := Key(connection, sqlText)

	if item := c.cache.Get(key); item != nil {
		metrics.CacheHitsTotal.WithLabelValues("hit").Inc()
		c.log.Debug("cache hit", "connection", connection)
		return item.Value(), true, nil
	}
	metrics.CacheHitsTotal.WithLabelValues("miss").Inc()

	result, err := compute(ctx)
	if err != nil {
		return nil, false, err
	}
	c.cache.Set(key, result, ttlcache.DefaultTTL)
	return result, false, nil
}

// Invalidate drops every cached result for one connection. Keys are opaque
// hashes, so this walks the live entries.
func (c *Cache) Invalidate(connection string) {
	keys := make([]string, 0)
	c.cache.Range(func(item *ttlcache.Item[string, *executor.Result]) bool {
		if item.Value() != nil && item.Value().Connection == connection {
			keys = append(keys, item.Key())
		}
		return true
	})
	for _, k := range keys {
		c.cache.Delete(k)
	}
}

// Len reports the number of live entries.
func (c *Cache) Len() int { return c.cache.Len() }

// Stop halts the expiry janitor.
func (c *Cache) Stop() { c.cache.Stop() }
