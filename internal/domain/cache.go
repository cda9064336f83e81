package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require streamID for strict per-source isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, streamID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, streamID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, streamID string, key string) error

	// GetAnomaly retrieves a cached anomaly snapshot.
	GetAnomaly(ctx context.Context, streamID string, anomalyID string) (*AnomalyRecord, error)

	// SetAnomaly caches an anomaly snapshot for pipeline processing.
	SetAnomaly(ctx context.Context, streamID string, anomalyID string, rec *AnomalyRecord, ttl time.Duration) error

	// IncrementCounter atomically increments a counter and returns new value.
	// Used for recurrence checks (e.g., anomaly signature count in time window).
	IncrementCounter(ctx context.Context, streamID string, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
