package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupKeyPrefix = "dispatch:dedup:"

// RedisDedupGuard implements the DedupGuard interface using Redis SET NX with
// a TTL. It is advisory only; the completion store's conditional insert is the
// authoritative duplicate guard. The window exists to collapse tight retry
// storms before they reach Postgres.
type RedisDedupGuard struct {
	client redis.UniversalClient
}

// NewRedisDedupGuard creates a new RedisDedupGuard with the given Redis client.
func NewRedisDedupGuard(client redis.UniversalClient) *RedisDedupGuard {
	return &RedisDedupGuard{client: client}
}

// Acquire attempts to claim the key for the window. Returns false when
// another submission already holds it.
func (g *RedisDedupGuard) Acquire(ctx context.Context, logicalKey string, window time.Duration) (bool, error) {
	if logicalKey == "" {
		return false, errors.New("logical key cannot be empty")
	}

	actualTTL := window
	if window <= 0 {
		actualTTL = time.Second // minimum window of 1 second
	}

	// SETNX with a separate EXPIRE is not atomic; SET with NX + TTL is.
	cmd := g.client.SetArgs(ctx, dedupKeyPrefix+logicalKey, 1, redis.SetArgs{Mode: "NX", TTL: actualTTL})
	status, err := cmd.Result()
	if err != nil {
		// When the NX condition fails Redis returns a nil reply, which
		// go-redis reports as redis.Nil; that means "already held".
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis SET NX: %w", err)
	}

	return status == "OK", nil
}

// Release drops the claim early, used when a submission is rolled back.
func (g *RedisDedupGuard) Release(ctx context.Context, logicalKey string) error {
	if logicalKey == "" {
		return errors.New("logical key cannot be empty")
	}

	if err := g.client.Del(ctx, dedupKeyPrefix+logicalKey).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Health checks the health of the Redis connection.
func (g *RedisDedupGuard) Health(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}
