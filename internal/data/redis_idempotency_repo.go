package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/target/mmk-orchestrator/internal/core"
)

// RedisIdempotencyStore maps idempotency keys to job ids in Redis.
type RedisIdempotencyStore struct {
	client redis.UniversalClient
}

// NewRedisIdempotencyStore creates a RedisIdempotencyStore with the given client.
func NewRedisIdempotencyStore(client redis.UniversalClient) (*RedisIdempotencyStore, error) {
	if client == nil {
		return nil, ErrRedisClientRequired
	}
	return &RedisIdempotencyStore{client: client}, nil
}

// Reserve stores key→jobID unless the key already exists. It returns the job
// id that owns the key and whether this call created it.
func (s *RedisIdempotencyStore) Reserve(
	ctx context.Context,
	key, jobID string,
	ttl time.Duration,
) (string, bool, error) {
	if key == "" {
		return "", false, errors.New("key cannot be empty")
	}
	if ttl <= 0 {
		ttl = time.Second
	}

	// SETNX with a separate EXPIRE is not atomic; SET NX with a TTL is.
	status, err := s.client.SetArgs(ctx, key, jobID, redis.SetArgs{Mode: "NX", TTL: ttl}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", false, fmt.Errorf("redis SET NX: %w", err)
	}
	if status == "OK" {
		return jobID, true, nil
	}

	owner, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// The key expired between SET and GET; try once more.
		ok, setErr := s.client.SetNX(ctx, key, jobID, ttl).Result()
		if setErr != nil {
			return "", false, fmt.Errorf("redis SET NX: %w", setErr)
		}
		if ok {
			return jobID, true, nil
		}
		return "", false, errors.New("idempotency key changed concurrently")
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return owner, false, nil
}

// Release removes a key, for example after the reserved job failed to persist.
func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Health checks the health of the Redis connection.
func (s *RedisIdempotencyStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var _ core.IdempotencyStore = (*RedisIdempotencyStore)(nil)
