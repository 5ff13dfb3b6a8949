package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyRepo shares cached booking responses across instances.
type RedisIdempotencyRepo struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisIdempotencyRepo(client redis.UniversalClient, ttl time.Duration) *RedisIdempotencyRepo {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisIdempotencyRepo{client: client, ttl: ttl}
}

func idempotencyKey(key string) string { return "dispatch:idem:" + key }

// GetResponse retrieves cached response.
func (r *RedisIdempotencyRepo) GetResponse(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, idempotencyKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get idempotent response: %w", err)
	}
	return value, true, nil
}

// PutResponse stores the payload unless another request stored one first.
func (r *RedisIdempotencyRepo) PutResponse(ctx context.Context, key string, payload []byte) error {
	if err := r.client.SetNX(ctx, idempotencyKey(key), payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("put idempotent response: %w", err)
	}
	return nil
}
