package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRepository keeps one hash per user (conn id -> node id). The hash
// expires after ttl unless a session is added again, so a crashed node's
// sessions eventually disappear.
type RedisRepository struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisRepository(addr, password, prefix string, ttl time.Duration) *RedisRepository {
	if prefix == "" {
		prefix = "presence"
	}
	return &RedisRepository{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
		ttl:    ttl,
	}
}

func (r *RedisRepository) key(userID string) string {
	return r.prefix + ":" + userID
}

func (r *RedisRepository) AddSession(ctx context.Context, userID, connID, nodeID string) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.key(userID), connID, nodeID)
	if r.ttl > 0 {
		pipe.Expire(ctx, r.key(userID), r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add session: %w", err)
	}
	return nil
}

func (r *RedisRepository) RemoveSession(ctx context.Context, userID, connID string) error {
	if err := r.client.HDel(ctx, r.key(userID), connID).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}

func (r *RedisRepository) IsUserOnline(ctx context.Context, userID string) (bool, error) {
	n, err := r.client.HLen(ctx, r.key(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check if user is online: %w", err)
	}
	return n > 0, nil
}

func (r *RedisRepository) Close() error {
	return r.client.Close()
}
