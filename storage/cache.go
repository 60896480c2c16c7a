package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"board-sync/domain"
)

// DefaultCacheTTL keeps a snapshot just long enough for viewers polling the
// same board to share one backend read.
const DefaultCacheTTL = time.Second

type backend interface {
	FetchBoard(ctx context.Context, boardID, scopeID string) (domain.Board, error)
	EnqueueMutation(ctx context.Context, userID, scopeID string, cmd domain.Command) error
}

// Cache wraps a backend with a short lived Redis snapshot cache.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
// A zero TTL disables caching but still evicts on mutation.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) FetchBoard(ctx context.Context, boardID, scopeID string) (domain.Board, error) {
	if b, ok := c.loadBoard(ctx, boardID, scopeID); ok {
		return b, nil
	}
	b, err := c.base.FetchBoard(ctx, boardID, scopeID)
	if err != nil {
		return domain.Board{}, err
	}
	c.storeBoard(ctx, scopeID, b)
	return b, nil
}

func (c *Cache) EnqueueMutation(ctx context.Context, userID, scopeID string, cmd domain.Command) error {
	if err := c.base.EnqueueMutation(ctx, userID, scopeID, cmd); err != nil {
		return err
	}
	c.Evict(ctx, cmd.BoardID, scopeID)
	return nil
}

// Evict drops the cached snapshot of a board.
func (c *Cache) Evict(ctx context.Context, boardID, scopeID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, boardCacheKey(scopeID, boardID)).Err()
}

func (c *Cache) loadBoard(ctx context.Context, boardID, scopeID string) (domain.Board, bool) {
	if c.redis == nil || c.ttl == 0 {
		return domain.Board{}, false
	}
	key := boardCacheKey(scopeID, boardID)
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return domain.Board{}, false
	}
	var b domain.Board
	if err := sonic.Unmarshal(data, &b); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return domain.Board{}, false
	}
	return b, true
}

func (c *Cache) storeBoard(ctx context.Context, scopeID string, b domain.Board) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(b)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, boardCacheKey(scopeID, b.ID), data, c.ttl).Err()
}

func boardCacheKey(scopeID, boardID string) string {
	return "board-snapshot:" + scopeID + ":" + boardID
}
