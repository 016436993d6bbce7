package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis with the helpers the worker and the event
// handlers need: JSON get/set and pattern-based invalidation.
type Client struct {
	client *redis.Client
	logger *slog.Logger
	ttl    time.Duration
}

// NewClient creates a Redis client from connection parameters.
func NewClient(ctx context.Context, host string, port int, password string) (*Client, error) {
	if host == "" {
		return nil, fmt.Errorf("redis host missing")
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	// Verify connectivity (fail fast on startup)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	logger := slog.Default().With("component", "redis")
	logger.Info("redis client connected", "addr", addr)

	return &Client{
		client: client,
		logger: logger,
		ttl:    15 * time.Minute,
	}, nil
}

// Close closes the Redis client connection
func (c *Client) Close() error {
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	return nil
}

// HealthCheck verifies Redis connectivity
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Get retrieves a cached value by key and unmarshals into target.
// Returns false on a miss (not an error).
func (c *Client) Get(ctx context.Context, key string, target interface{}) (bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get failed for key %s: %w", key, err)
	}

	if err := json.Unmarshal([]byte(val), target); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached value for key %s: %w", key, err)
	}
	return true, nil
}

// Set stores a value in cache with the default TTL.
func (c *Client) Set(ctx context.Context, key string, value interface{}) error {
	return c.SetWithTTL(ctx, key, value, c.ttl)
}

// SetWithTTL stores a value in cache with a custom TTL.
func (c *Client) SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for key %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed for key %s: %w", key, err)
	}
	return nil
}

// Delete removes a key from cache
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis delete failed for key %s: %w", key, err)
	}
	return nil
}

// DeletePattern removes every key matching a glob pattern via SCAN so
// large keyspaces are not blocked by a KEYS sweep.
func (c *Client) DeletePattern(ctx context.Context, pattern string) (int, error) {
	var deleted int
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return deleted, fmt.Errorf("redis delete failed for key %s: %w", iter.Val(), err)
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("redis scan failed for pattern %s: %w", pattern, err)
	}
	if deleted > 0 {
		c.logger.Debug("cache keys invalidated", "pattern", pattern, "count", deleted)
	}
	return deleted, nil
}
