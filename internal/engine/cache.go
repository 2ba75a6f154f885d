package engine

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/sentinelsec/gatewarden/internal/grants"
	"github.com/sentinelsec/gatewarden/internal/queue"
)

// RedisGrantCache adapts the redis queue's status cache to the grant
// manager. Cache errors degrade to misses; redis being down never blocks a
// status lookup.
type RedisGrantCache struct {
	Queue  *queue.Queue
	Logger *slog.Logger
}

func NewRedisGrantCache(q *queue.Queue, logger *slog.Logger) *RedisGrantCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisGrantCache{Queue: q, Logger: logger}
}

func (c *RedisGrantCache) GetGrantStatus(ctx context.Context, grantID uuid.UUID) (*grants.Status, bool) {
	var st grants.Status
	ok, err := c.Queue.GetGrantStatus(ctx, grantID, &st)
	if err != nil {
		c.Logger.Warn("grant status cache read failed", "grant_id", grantID, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return &st, true
}

func (c *RedisGrantCache) SetGrantStatus(ctx context.Context, grantID uuid.UUID, status *grants.Status) {
	if err := c.Queue.SetGrantStatus(ctx, grantID, status); err != nil {
		c.Logger.Warn("grant status cache write failed", "grant_id", grantID, "error", err)
	}
}

func (c *RedisGrantCache) InvalidateGrantStatus(ctx context.Context, grantID uuid.UUID) {
	if err := c.Queue.InvalidateGrantStatus(ctx, grantID); err != nil {
		c.Logger.Warn("grant status cache invalidate failed", "grant_id", grantID, "error", err)
	}
}
