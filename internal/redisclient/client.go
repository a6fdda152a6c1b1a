package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"commerce-backend/internal/util"
)

const lockPollInterval = 50 * time.Millisecond

// Client wraps the Redis connection used for advisory locking. The lock is
// a contention-reduction layer above the database's own concurrency
// control, never a correctness dependency: every operation here fails open.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewClient creates a Redis client. An unreachable Redis is logged but not
// fatal; callers keep the fail-open behavior instead of refusing to start.
func NewClient(addr, password string, db int) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	c := &Client{rdb: rdb, logger: util.GetLogger()}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		c.logger.Warn("Redis unreachable, advisory locks will fail open", zap.Error(err))
	}

	return c
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping reports whether Redis is reachable. Used by the readiness probe.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// AcquireLock attempts a set-if-absent with expiry for the named resource,
// polling until waitTimeout. holdTTL bounds how long a crashed holder can
// keep the key. Returns true when acquired, and also true when Redis is
// unreachable: the caller proceeds and relies on the database row lock or
// version check for correctness.
func (c *Client) AcquireLock(ctx context.Context, name string, holdTTL, waitTimeout time.Duration) bool {
	deadline := time.Now().Add(waitTimeout)
	key := fmt.Sprintf("lock:%s", name)

	for {
		ok, err := c.rdb.SetNX(ctx, key, "1", holdTTL).Result()
		if err != nil {
			c.logger.Warn("Lock store unreachable, failing open",
				zap.String("resource", name), zap.Error(err))
			util.LockFailOpenTotal.Inc()
			return true
		}
		if ok {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(lockPollInterval):
		}
	}
}

// ReleaseLock deletes the lock key. Best effort: an unreachable store is
// tolerated, the hold TTL expires the key on its own.
func (c *Client) ReleaseLock(ctx context.Context, name string) {
	if err := c.rdb.Del(ctx, fmt.Sprintf("lock:%s", name)).Err(); err != nil {
		c.logger.Warn("Failed to release lock",
			zap.String("resource", name), zap.Error(err))
	}
}
