package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// SummaryCache keeps Summarize results in Redis under a per-material version.
// Bumping the version after a commit orphans every older entry.
type SummaryCache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewSummaryCache instantiates the cache helper. A nil client disables caching.
func NewSummaryCache(client *redis.Client, ttl time.Duration) *SummaryCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SummaryCache{client: client, ttl: ttl}
}

func summaryVersionKey(materialID string) string {
	return fmt.Sprintf("ledger:summary:%s:version", materialID)
}

// Version returns the material's cache version, initialising when missing.
func (c *SummaryCache) Version(ctx context.Context, materialID string) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	key := summaryVersionKey(materialID)
	ver, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, key, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, key).Int64()
	}
	return ver, err
}

// Fetch returns the cached summary or fills it from loader. Concurrent misses
// for the same key share one load. hit reports whether Redis answered.
func (c *SummaryCache) Fetch(ctx context.Context, materialID string, loader func(context.Context) (Summary, error)) (Summary, bool, error) {
	if c == nil || c.client == nil {
		s, err := loader(ctx)
		return s, false, err
	}
	ver, err := c.Version(ctx, materialID)
	if err != nil {
		return Summary{}, false, err
	}
	key := fmt.Sprintf("ledger:summary:%s:v%d", materialID, ver)

	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var s Summary
		if err := json.Unmarshal(payload, &s); err == nil {
			return s, true, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		return Summary{}, false, err
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		s, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(s)
		if err != nil {
			return nil, err
		}
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			return nil, err
		}
		return s, nil
	})
	if err != nil {
		return Summary{}, false, err
	}
	return v.(Summary), false, nil
}

// Bump invalidates the material's cached summaries.
func (c *SummaryCache) Bump(ctx context.Context, materialID string) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, summaryVersionKey(materialID)).Err()
}
