package stock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Cache is a Redis read-through cache for product summaries. The summary
// row in PostgreSQL stays authoritative; this only shields hot read paths.
// Every committed movement invalidates the product's key.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func summaryKey(productID int64) string {
	return fmt.Sprintf("stock:summary:%d", productID)
}

// Fetch loads a cached summary or populates it using the loader. Concurrent
// misses for the same product collapse into a single loader call.
func (c *Cache) Fetch(ctx context.Context, productID int64, loader func(context.Context) (Summary, error)) (Summary, error) {
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	key := summaryKey(productID)
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var s Summary
		if err := json.Unmarshal(raw, &s); err == nil {
			return s, nil
		}
		// Unreadable payload: fall through and repopulate.
	} else if err != redis.Nil {
		return loader(ctx)
	}

	value, err, _ := c.group.Do(key, func() (interface{}, error) {
		s, err := loader(ctx)
		if err != nil {
			return Summary{}, err
		}
		payload, err := json.Marshal(s)
		if err != nil {
			return Summary{}, err
		}
		if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
			return s, nil
		}
		return s, nil
	})
	if err != nil {
		return Summary{}, err
	}
	return value.(Summary), nil
}

// Invalidate drops the cached summary for a product.
func (c *Cache) Invalidate(ctx context.Context, productID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, summaryKey(productID)).Err()
}
