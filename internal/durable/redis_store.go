package durable

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store over Redis, for deployments that run more than
// one Session Agent process behind a shared durable layer. Each session key
// is stored as a Redis hash keyed by sessionId, with KV keys as hash fields.
type RedisStore struct {
	client *redis.Client
}

// RedisStoreConfig configures the Redis connection.
type RedisStoreConfig struct {
	URL      string
	Password string
	DB       int
}

// NewRedisStore connects to Redis and verifies reachability with Ping.
func NewRedisStore(ctx context.Context, cfg RedisStoreConfig) (*RedisStore, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.Password != "" {
		opt.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opt.DB = cfg.DB
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func hashKey(sessionID string) string {
	return "session_kv:" + sessionID
}

func (s *RedisStore) Get(ctx context.Context, sessionID, key string) ([]byte, bool, error) {
	value, err := s.client.HGet(ctx, hashKey(sessionID), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", sessionID, key, err)
	}
	return value, true, nil
}

func (s *RedisStore) Put(ctx context.Context, sessionID, key string, value []byte) error {
	if err := s.client.HSet(ctx, hashKey(sessionID), key, value).Err(); err != nil {
		return fmt.Errorf("put %s/%s: %w", sessionID, key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID, key string) error {
	if err := s.client.HDel(ctx, hashKey(sessionID), key).Err(); err != nil {
		return fmt.Errorf("delete %s/%s: %w", sessionID, key, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
