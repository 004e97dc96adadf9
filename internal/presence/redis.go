package presence

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs the presence soft state with Redis. TTLs are enforced
// server-side, so entries from a crashed hub age out on their own.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) HSet(ctx context.Context, name, field, value string) error {
	return s.client.HSet(ctx, name, field, value).Err()
}

func (s *RedisStore) HGet(ctx context.Context, name, field string) (string, error) {
	val, err := s.client.HGet(ctx, name, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) HDel(ctx context.Context, name string, fields ...string) error {
	return s.client.HDel(ctx, name, fields...).Err()
}

func (s *RedisStore) HGetAll(ctx context.Context, name string) (map[string]string, error) {
	return s.client.HGetAll(ctx, name).Result()
}
