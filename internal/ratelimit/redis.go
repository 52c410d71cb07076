package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript consumes one point from a fixed window. It returns
// {allowed, used, pttl}; the window starts with the first consumption.
var takeScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= limit then
  local ttl = redis.call('PTTL', KEYS[1])
  if ttl < 0 then
    redis.call('PEXPIRE', KEYS[1], window)
    ttl = window
  end
  return {0, current, ttl}
end
local used = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], window)
  ttl = window
end
return {1, used, ttl}
`)

// RedisStore keeps buckets in redis so quotas hold across relay instances.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// RedisConfig describes how to reach redis.
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	Timeout   time.Duration
}

// NewRedisClient builds a client from cfg without contacting the server.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		PoolSize:     10,
	})
}

// NewRedisStore wraps client. Keys are namespaced by prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "manuscript:ratelimit:"
	}
	return &RedisStore{client: client, keyPrefix: prefix}
}

func (s *RedisStore) Take(ctx context.Context, key string, quota Quota, now time.Time) (Bucket, bool, error) {
	result, err := takeScript.Run(ctx, s.client, []string{s.keyPrefix + key}, quota.Points, quota.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return Bucket{}, false, fmt.Errorf("ratelimit: redis take: %w", err)
	}
	if len(result) != 3 {
		return Bucket{}, false, fmt.Errorf("ratelimit: redis take returned %d values", len(result))
	}
	bucket := Bucket{Used: int(result[1]), ResetAt: now.Add(time.Duration(result[2]) * time.Millisecond)}
	return bucket, result[0] == 1, nil
}

func (s *RedisStore) Peek(ctx context.Context, key string, now time.Time) (Bucket, bool, error) {
	fullKey := s.keyPrefix + key
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, fullKey)
	ttlCmd := pipe.PTTL(ctx, fullKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Bucket{}, false, fmt.Errorf("ratelimit: redis peek: %w", err)
	}
	used, err := getCmd.Int()
	if errors.Is(err, redis.Nil) {
		return Bucket{}, false, nil
	}
	if err != nil {
		return Bucket{}, false, fmt.Errorf("ratelimit: redis peek: %w", err)
	}
	ttl := ttlCmd.Val()
	if ttl <= 0 {
		return Bucket{}, false, nil
	}
	return Bucket{Used: used, ResetAt: now.Add(ttl)}, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	fullKeys := make([]string, 0, len(keys))
	for _, key := range keys {
		fullKeys = append(fullKeys, s.keyPrefix+key)
	}
	if err := s.client.Del(ctx, fullKeys...).Err(); err != nil {
		return fmt.Errorf("ratelimit: redis delete: %w", err)
	}
	return nil
}

// Ping verifies connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
