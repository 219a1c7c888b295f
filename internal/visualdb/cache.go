package visualdb

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/visual-search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/visual-search/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/resilience"
	"golang.org/x/sync/singleflight"
)

const (
	keyPrefix = "vs:query:"

	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

// CacheBackend is the byte store behind QueryCache; *redis.Client
// satisfies it.
type CacheBackend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
}

// QueryCache memoizes ranked results per (stored generation, mode, limit,
// query digest). Concurrent identical queries share one computation. A
// backend that keeps failing is bypassed until the breaker lets a probe
// through.
type QueryCache struct {
	backend CacheBackend
	breaker *resilience.Breaker
	ttl     time.Duration
	scope   string
	group   singleflight.Group
	logger  *slog.Logger
	metrics *metrics.Metrics
	hits    atomic.Int64
	misses  atomic.Int64
}

// NewQueryCache scopes keys to one database so several databases can
// share a backend.
func NewQueryCache(backend CacheBackend, ttl time.Duration, database string, m *metrics.Metrics) *QueryCache {
	sum := sha256.Sum256([]byte(database))
	return &QueryCache{
		backend: backend,
		breaker: resilience.NewBreaker("query-cache", breakerThreshold, breakerCooldown),
		ttl:     ttl,
		scope:   fmt.Sprintf("%s%x:", keyPrefix, sum[:6]),
		logger:  slog.Default().With("component", "query-cache"),
		metrics: m,
	}
}

func (c *QueryCache) key(gen Generation, mode index.Mode, limit int, q *index.Histogram) string {
	return fmt.Sprintf("%sg%s:%s:%d:%s", c.scope, gen, mode, limit, q.Digest())
}

// Scores returns the cached ranking for the key or runs compute and
// stores its result. Backend failures degrade to computing.
func (c *QueryCache) Scores(
	ctx context.Context,
	gen Generation,
	mode index.Mode,
	limit int,
	q *index.Histogram,
	compute func() []index.Scored,
) []index.Scored {
	key := c.key(gen, mode, limit, q)
	val, _, _ := c.group.Do(key, func() (interface{}, error) {
		if cached, ok := c.get(ctx, key); ok {
			return cached, nil
		}
		result := compute()
		c.set(ctx, key, result)
		return result, nil
	})
	return val.([]index.Scored)
}

func (c *QueryCache) get(ctx context.Context, key string) ([]index.Scored, bool) {
	if err := c.breaker.Allow(); err != nil {
		c.miss()
		return nil, false
	}
	data, err := c.backend.Get(ctx, key)
	if err != nil {
		if pkgredis.IsNilError(err) {
			c.breaker.Record(nil)
		} else {
			c.breaker.Record(err)
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		c.miss()
		return nil, false
	}
	c.breaker.Record(nil)
	var result []index.Scored
	if err := json.Unmarshal(data, &result); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		c.miss()
		return nil, false
	}
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.Inc()
	}
	return result, true
}

func (c *QueryCache) miss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
}

func (c *QueryCache) set(ctx context.Context, key string, result []index.Scored) {
	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	err = c.breaker.Do(func() error { return c.backend.Set(ctx, key, data, c.ttl) })
	if err != nil && !errors.Is(err, resilience.ErrBreakerOpen) {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// Invalidate drops every entry of this database. Entries of older
// generations are never read again, so this only reclaims space.
func (c *QueryCache) Invalidate(ctx context.Context) error {
	deleted, err := c.backend.DeletePrefix(ctx, c.scope)
	if err != nil {
		return fmt.Errorf("invalidating query cache: %w", err)
	}
	c.logger.Debug("cache invalidated", "keys_deleted", deleted)
	return nil
}

func (c *QueryCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
