package server

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// idempotencyCache keeps successful execute responses per Idempotency-Key.
// Concurrent requests with one key share a single execution.
type idempotencyCache struct {
	entries *expirable.LRU[string, ExecuteResponse]
	group   singleflight.Group
}

func newIdempotencyCache(capacity int, ttl time.Duration) *idempotencyCache {
	if capacity <= 0 {
		capacity = 256
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &idempotencyCache{entries: expirable.NewLRU[string, ExecuteResponse](capacity, nil, ttl)}
}

// do returns the cached response for key or runs fn once. replay is true
// when the response was not produced by this caller's fn. Failures are not
// cached.
func (c *idempotencyCache) do(key string, fn func() (ExecuteResponse, error)) (resp ExecuteResponse, replay bool, err error) {
	if key == "" {
		resp, err = fn()
		return resp, false, err
	}
	if cached, ok := c.entries.Get(key); ok {
		return cached, true, nil
	}
	ran := false
	v, err, _ := c.group.Do(key, func() (any, error) {
		if cached, ok := c.entries.Get(key); ok {
			return cached, nil
		}
		ran = true
		out, err := fn()
		if err != nil {
			return nil, err
		}
		c.entries.Add(key, out)
		return out, nil
	})
	if err != nil {
		return ExecuteResponse{}, false, err
	}
	return v.(ExecuteResponse), !ran, nil
}

func (c *idempotencyCache) len() int {
	return c.entries.Len()
}
