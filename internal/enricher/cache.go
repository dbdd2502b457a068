package enricher

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/flowlens/internal/models"
)

const DefaultCacheTTL = 5 * time.Minute

// cacheBackend is the subset of the redis client used by CachedEnricher.
type cacheBackend interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// CachedEnricher memoizes another enricher's results in Redis. Cache faults
// fall through to the wrapped enricher.
type CachedEnricher struct {
	next   Enricher
	cache  cacheBackend
	ttl    time.Duration
	prefix string
	log    *zap.Logger
}

func NewCachedEnricher(next Enricher, rdb *redis.Client, ttl time.Duration, log *zap.Logger) *CachedEnricher {
	return newCachedEnricher(next, rdb, ttl, log)
}

func newCachedEnricher(next Enricher, cache cacheBackend, ttl time.Duration, log *zap.Logger) *CachedEnricher {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CachedEnricher{next: next, cache: cache, ttl: ttl, prefix: "flowlens:deal:", log: log}
}

func (c *CachedEnricher) key(objectID string) string {
	return c.prefix + objectID
}

func (c *CachedEnricher) Lookup(ctx context.Context, objectID string) (models.Attributes, error) {
	raw, err := c.cache.Get(ctx, c.key(objectID)).Bytes()
	switch {
	case err == nil:
		var attrs models.Attributes
		if jsonErr := json.Unmarshal(raw, &attrs); jsonErr == nil {
			return attrs, nil
		}
		c.log.Warn("discarding corrupt cache entry", zap.String("object_id", objectID))
	case !errors.Is(err, redis.Nil):
		c.log.Warn("enrichment cache read failed", zap.String("object_id", objectID), zap.Error(err))
	}

	attrs, err := c.next.Lookup(ctx, objectID)
	if err != nil {
		return nil, err
	}
	if attrs == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		c.log.Warn("enrichment cache encode failed", zap.String("object_id", objectID), zap.Error(err))
		return attrs, nil
	}
	if err := c.cache.Set(ctx, c.key(objectID), encoded, c.ttl).Err(); err != nil {
		c.log.Warn("enrichment cache write failed", zap.String("object_id", objectID), zap.Error(err))
	}
	return attrs, nil
}
