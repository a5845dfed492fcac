// Package settings serves runtime-tunable admission policy from the database
// through a short-lived cache.
package settings

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned by Cache.Get when the key is absent or expired.
var ErrCacheMiss = errors.New("settings: cache miss")

// DefaultTTL bounds how stale a cached setting may be on nodes that did not
// perform the write.
const DefaultTTL = 5 * time.Minute

// Cache stores serialized setting values with a TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Invalidate(ctx context.Context, key string) error
}
