package noncestore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces nonce keys.
const DefaultKeyPrefix = "sso:nonce:"

// Redis keeps nonces in Redis so every instance sees the same set.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis creates a Redis backed store. An empty prefix uses
// DefaultKeyPrefix.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

// Put records an issued nonce.
func (r *Redis) Put(ctx context.Context, nonce string, ttl time.Duration) error {
	if nonce == "" {
		return errEmptyNonce
	}
	if r == nil || r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return r.client.Set(ctx, r.prefix+nonce, 1, ttl).Err()
}

// Consume deletes the nonce and reports whether it was there. Only one of
// two concurrent callers sees it.
func (r *Redis) Consume(ctx context.Context, nonce string) (bool, error) {
	if nonce == "" {
		return false, nil
	}
	if r == nil || r.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	n, err := r.client.Del(ctx, r.prefix+nonce).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
