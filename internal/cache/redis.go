package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-commerce/talon/internal/domain"
)

// RedisCache implements Cache using Redis.
// Used as the multi-node cache and as L2 in two-phase caching.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get retrieves a value from Redis.
func (c *RedisCache) Get(ctx context.Context, store string, key string) ([]byte, error) {
	if store == "" {
		return nil, fmt.Errorf("store is required")
	}

	fullKey := c.makeKey(store, key)
	val, err := c.client.Get(ctx, fullKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value in Redis with TTL.
func (c *RedisCache) Set(ctx context.Context, store string, key string, value []byte, ttl time.Duration) error {
	if store == "" {
		return fmt.Errorf("store is required")
	}

	fullKey := c.makeKey(store, key)
	return c.client.Set(ctx, fullKey, value, ttl).Err()
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, store string, key string) error {
	if store == "" {
		return fmt.Errorf("store is required")
	}

	fullKey := c.makeKey(store, key)
	return c.client.Del(ctx, fullKey).Err()
}

// GetAssignments retrieves a cached candidate list for a scope.
func (c *RedisCache) GetAssignments(ctx context.Context, store string, scope domain.Scope) ([]*domain.Assignment, error) {
	data, err := c.Get(ctx, store, domain.AssignmentsKey(scope))
	if err != nil || data == nil {
		return nil, err
	}

	var assignments []*domain.Assignment
	if err := json.Unmarshal(data, &assignments); err != nil {
		return nil, err
	}
	return assignments, nil
}

// SetAssignments caches the candidate list for a scope.
func (c *RedisCache) SetAssignments(ctx context.Context, store string, scope domain.Scope, assignments []*domain.Assignment, ttl time.Duration) error {
	bytes, err := json.Marshal(assignments)
	if err != nil {
		return err
	}
	return c.Set(ctx, store, domain.AssignmentsKey(scope), bytes, ttl)
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) makeKey(store, key string) string {
	return "talon:" + store + ":" + key
}
