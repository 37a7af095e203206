package domain

import (
	"context"
	"time"
)

// Cache is the read-through cache in front of the repository. It holds
// serialized candidate lists per scope and coupon configs per code; the
// compiled rule base is NOT cached here; it lives in its own explicitly
// owned rulebase.Cache instance.
// All methods take a store code for isolation between stores.
type Cache interface {
	// Get retrieves a value. Returns nil, nil on a miss.
	Get(ctx context.Context, store string, key string) ([]byte, error)

	// Set stores a value with expiration.
	Set(ctx context.Context, store string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value.
	Delete(ctx context.Context, store string, key string) error

	// GetAssignments retrieves a cached candidate list for a scope.
	GetAssignments(ctx context.Context, store string, scope Scope) ([]*Assignment, error)

	// SetAssignments caches the candidate list for a scope.
	SetAssignments(ctx context.Context, store string, scope Scope, assignments []*Assignment, ttl time.Duration) error

	// Health check.
	Ping(ctx context.Context) error

	// Lifecycle.
	Close() error
}

// AssignmentsKey is the cache key under which a scope's candidate list
// is stored. Shared by the cache implementations and the invalidation
// path.
func AssignmentsKey(scope Scope) string {
	return "assignments:" + scope.Key()
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis".
	Type string

	// Local LRU cache settings.
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// EnableTwoPhase checks the local LRU first, then Redis.
	EnableTwoPhase bool
}
