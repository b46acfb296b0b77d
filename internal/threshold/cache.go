package threshold

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/shared"
)

// CachedCatalog fronts a Catalog with a Redis cache. Concurrent misses for
// the same origin are coalesced through singleflight.
type CachedCatalog struct {
	source Catalog
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

var _ Catalog = (*CachedCatalog)(nil)

// NewCachedCatalog wraps source with caching. A nil client disables caching.
func NewCachedCatalog(source Catalog, client *redis.Client, ttl time.Duration) *CachedCatalog {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedCatalog{source: source, client: client, ttl: ttl}
}

func cacheKey(origin shared.OriginType) string {
	return fmt.Sprintf("threshold:rules:%s", origin)
}

// ActiveRulesFor returns cached rules or loads them from the source.
func (c *CachedCatalog) ActiveRulesFor(ctx context.Context, origin shared.OriginType) ([]Rule, error) {
	if c.client == nil {
		return c.source.ActiveRulesFor(ctx, origin)
	}
	key := cacheKey(origin)
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var rules []Rule
		if err := json.Unmarshal(payload, &rules); err == nil {
			return rules, nil
		}
		// Corrupt entry, fall through to reload.
	} else if err != redis.Nil {
		return nil, fmt.Errorf("threshold: cache get: %w", err)
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		rules, err := c.source.ActiveRulesFor(ctx, origin)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(rules)
		if err != nil {
			return nil, err
		}
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			return nil, fmt.Errorf("threshold: cache set: %w", err)
		}
		return rules, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]Rule), nil
}

// Invalidate drops cached rules after a catalog mutation.
func (c *CachedCatalog) Invalidate(ctx context.Context, origins ...shared.OriginType) error {
	if c.client == nil {
		return nil
	}
	if len(origins) == 0 {
		origins = []shared.OriginType{shared.OriginBranch, shared.OriginHQ, shared.OriginField}
	}
	keys := make([]string, 0, len(origins))
	for _, origin := range origins {
		keys = append(keys, cacheKey(origin))
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("threshold: cache invalidate: %w", err)
	}
	return nil
}
