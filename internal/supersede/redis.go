package supersede

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisTracker is a Tracker shared across runners through Redis.
type RedisTracker struct {
	client *redis.Client
	logger *slog.Logger
	prefix string
	ttl    time.Duration
}

// NewRedisTracker connects to the Redis server at url (redis://...).
// Ownership entries expire after ttl, which must exceed the longest run
// from start to the end of its deploy stage.
func NewRedisTracker(ctx context.Context, url string, ttl time.Duration, logger *slog.Logger) (*RedisTracker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return NewRedisTrackerFromClient(client, ttl, logger), nil
}

// NewRedisTrackerFromClient wraps an existing client.
func NewRedisTrackerFromClient(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisTracker {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisTracker{
		client: client,
		logger: logger,
		prefix: "deployctl:current:",
		ttl:    ttl,
	}
}

// Register implements Tracker.
func (t *RedisTracker) Register(ctx context.Context, key, runID string) error {
	if err := t.client.Set(ctx, t.prefix+key, runID, t.ttl).Err(); err != nil {
		return fmt.Errorf("registering run: %w", err)
	}
	return nil
}

// IsCurrent implements Tracker.
func (t *RedisTracker) IsCurrent(ctx context.Context, key, runID string) (bool, error) {
	owner, err := t.client.Get(ctx, t.prefix+key).Result()
	if err == redis.Nil {
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("reading current run: %w", err)
	}
	return owner == runID, nil
}

// Ping verifies the Redis server is reachable.
func (t *RedisTracker) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (t *RedisTracker) Close() error {
	return t.client.Close()
}
