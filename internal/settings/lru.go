package settings

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LRUCache is an in-process Cache. Each process holds its own copy, so an
// invalidation only reaches other nodes once their entries expire.
type LRUCache struct {
	lru *expirable.LRU[string, []byte]
}

// NewLRUCache creates an in-process cache holding up to size entries.
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size <= 0 {
		size = 64
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &LRUCache{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

func (c *LRUCache) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := c.lru.Get(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	return v, nil
}

func (c *LRUCache) Set(_ context.Context, key string, value []byte) error {
	c.lru.Add(key, value)
	return nil
}

func (c *LRUCache) Invalidate(_ context.Context, key string) error {
	c.lru.Remove(key)
	return nil
}
