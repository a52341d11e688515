// Package predictioncache provides a Redis-backed response cache for
// classification requests. Model IDs are content digests, so cached
// predictions stay valid for as long as they live.
package predictioncache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache caches classification responses keyed by model ID and request body
// digest. A nil client disables caching, in which case Get and Put are
// no-ops.
type Cache struct {
	rdb       *redis.Client
	ttl       time.Duration
	namespace string
}

// New creates a response cache. If ttl is 0, it defaults to 5 minutes. If
// namespace is empty, it uses "predictions".
func New(rdb *redis.Client, ttl time.Duration, namespace string) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if namespace == "" {
		namespace = "predictions"
	}
	return &Cache{
		rdb:       rdb,
		ttl:       ttl,
		namespace: namespace,
	}
}

// Get returns the cached response for the given model and request body, or
// nil on a miss. Corrupted entries are deleted and treated as misses.
func (c *Cache) Get(ctx context.Context, modelID string, requestBody []byte) []byte {
	if c == nil || c.rdb == nil {
		return nil
	}

	key := c.key(modelID, requestBody)
	b, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil || len(b) == 0 {
		return nil
	}
	if !json.Valid(b) {
		// Best effort: don't fail if cache deletion fails
		_ = c.rdb.Del(ctx, key).Err()
		return nil
	}
	return b
}

// Put stores a response (best effort).
func (c *Cache) Put(ctx context.Context, modelID string, requestBody, response []byte) {
	if c == nil || c.rdb == nil {
		return
	}
	_ = c.rdb.Set(ctx, c.key(modelID, requestBody), response, c.ttl).Err()
}

// key derives the cache key from the model ID and the request body digest.
func (c *Cache) key(modelID string, requestBody []byte) string {
	digest := sha256.Sum256(requestBody)
	return fmt.Sprintf("%s:%s:%s", c.namespace, safe(modelID), hex.EncodeToString(digest[:]))
}

// safe escapes characters that are problematic for Redis keys.
func safe(s string) string {
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, ":", "_")
	return s
}
