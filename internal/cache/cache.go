// Package cache provides the response cache used by the sync engines and
// the dashboard handler. Implementations: in-process memory and Redis.
package cache

import (
	"context"
	"time"
)

// Cache is a byte-oriented TTL cache.
type Cache interface {
	// Get returns the cached value and whether it was present and fresh.
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores a value with the given TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Close releases any resources held by the cache.
	Close() error
}
