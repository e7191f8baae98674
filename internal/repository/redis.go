package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cinebook/internal/config"
	"cinebook/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "cinebook:"

// NewRedisClient builds a client from the redis config section.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

func keyPrefix(prefix string) string {
	if prefix == "" {
		return defaultKeyPrefix
	}
	return prefix
}

// RedisAvailabilityCache keeps availability snapshots as JSON strings with a TTL.
type RedisAvailabilityCache struct {
	client *redis.Client
	prefix string
}

func NewRedisAvailabilityCache(client *redis.Client, prefix string) *RedisAvailabilityCache {
	return &RedisAvailabilityCache{
		client: client,
		prefix: keyPrefix(prefix),
	}
}

func (r *RedisAvailabilityCache) key(showtimeID string) string {
	return r.prefix + "availability:" + showtimeID
}

func (r *RedisAvailabilityCache) Get(ctx context.Context, showtimeID string) (*models.ShowtimeAvailability, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := r.client.Get(ctx, r.key(showtimeID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get availability from redis: %w", err)
	}

	var availability models.ShowtimeAvailability
	if err := json.Unmarshal(val, &availability); err != nil {
		return nil, fmt.Errorf("failed to unmarshal availability: %w", err)
	}
	return &availability, nil
}

func (r *RedisAvailabilityCache) Set(ctx context.Context, availability *models.ShowtimeAvailability, ttl time.Duration) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(availability)
	if err != nil {
		return fmt.Errorf("failed to marshal availability: %w", err)
	}
	if err := r.client.Set(ctx, r.key(availability.ShowtimeID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set availability in redis: %w", err)
	}
	return nil
}

func (r *RedisAvailabilityCache) Invalidate(ctx context.Context, showtimeID string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.Del(ctx, r.key(showtimeID)).Err(); err != nil {
		return fmt.Errorf("failed to delete availability from redis: %w", err)
	}
	return nil
}

// unlockScript deletes the lock only while it still carries the caller's token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker hands out leases with SET NX PX so that only one instance runs a sweep.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: keyPrefix(prefix)}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	if l.client == nil {
		return nil, false, fmt.Errorf("redis client is nil")
	}
	fullKey := l.prefix + "lock:" + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	unlock := func(ctx context.Context) error {
		if err := unlockScript.Run(ctx, l.client, []string{fullKey}, token).Err(); err != nil {
			return fmt.Errorf("failed to release lock %s: %w", key, err)
		}
		return nil
	}
	return unlock, true, nil
}

// Ping checks the Redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
