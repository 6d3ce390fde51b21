package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store backed by Redis. Set-if-absent maps to SET NX PX,
// which is atomic server-side, so multi-node deployments can share one
// idempotency set.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing Redis client. All keys are stored under
// the given prefix so several applications can share one database.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "weft"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(k Key) string { return s.prefix + ":" + k.String() }

func (s *RedisStore) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key Key, value []byte, opts ...SetOption) error {
	o := applyOptions(opts)
	if o.HasTTL && o.TTL <= 0 {
		// Immediately expired: equivalent to removing the entry.
		return s.Delete(ctx, key)
	}
	if err := s.client.Set(ctx, s.key(key), value, o.TTL).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key Key, value []byte, opts ...SetOption) (bool, error) {
	o := applyOptions(opts)
	if o.HasTTL && o.TTL <= 0 {
		return true, nil
	}
	ok, err := s.client.SetNX(ctx, s.key(key), value, o.TTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis set-if-absent: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Delete(ctx context.Context, key Key) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}
