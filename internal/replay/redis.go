package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces replay keys in a shared Redis instance.
const keyPrefix = "expensio:replay:"

// RedisGuard is the shared-store Guard implementation for multi-instance
// deployments. SET NX with a TTL gives the same atomic check-and-mark
// semantics as the memory guard's mutex, and Redis expiry replaces the
// sweep-on-read eviction.
type RedisGuard struct {
	client redis.UniversalClient
	window time.Duration
}

// NewRedisGuard creates a RedisGuard with the standard window.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func NewRedisGuard(client redis.UniversalClient) *RedisGuard {
	return &RedisGuard{client: client, window: Window}
}

// Compile-time assertion that RedisGuard satisfies Guard.
var _ Guard = (*RedisGuard)(nil)

// CheckAndMark implements Guard. SetNX returns false when the key already
// exists, i.e. the event was accepted before and is a replay.
func (g *RedisGuard) CheckAndMark(ctx context.Context, eventID string) (bool, error) {
	stored, err := g.client.SetNX(ctx, keyPrefix+eventID, time.Now().Unix(), g.window).Result()
	if err != nil {
		return false, fmt.Errorf("replay guard set: %w", err)
	}
	return !stored, nil
}

// Forget implements Guard.
func (g *RedisGuard) Forget(ctx context.Context, eventID string) error {
	if err := g.client.Del(ctx, keyPrefix+eventID).Err(); err != nil {
		return fmt.Errorf("replay guard delete: %w", err)
	}
	return nil
}
