package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// SharedStore aggregates counters across processes. Counters live in fixed
// windows: Add returns the running total of the window containing now.
type SharedStore interface {
	Add(ctx context.Context, key string, delta float64, window time.Duration, now time.Time) (float64, error)
	Close() error
}

// RedisStore keeps shared counters in Redis, one key per counter and
// window start, expiring after the window.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}
	return &RedisStore{client: client, prefix: cfg.KeyPrefix}, nil
}

// Add increments the counter for the window containing now.
func (s *RedisStore) Add(ctx context.Context, key string, delta float64, window time.Duration, now time.Time) (float64, error) {
	start := now.Truncate(window).Unix()
	k := s.prefix + key + ":" + strconv.FormatInt(start, 10)

	pipe := s.client.TxPipeline()
	total := pipe.IncrByFloat(ctx, k, delta)
	pipe.Expire(ctx, k, window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to update shared counter %s: %w", key, err)
	}
	return total.Val(), nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
