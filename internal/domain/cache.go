package domain

import (
	"context"
	"time"
)

// Cache stores opaque byte values by key. A miss is reported as (nil, nil).
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// PriorityCache is a Cache that can shield entries from eviction. The
// active rule set is stored pinned so that transaction history churn never
// pushes it out.
type PriorityCache interface {
	Cache

	// SetPinned stores a value that is evicted only after all unpinned entries.
	SetPinned(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// CacheConfig selects and sizes the cache backend.
type CacheConfig struct {
	Type string `mapstructure:"type"` // memory or redis

	LocalMaxSize int           `mapstructure:"local_max_size"`
	LocalTTL     time.Duration `mapstructure:"local_ttl"`

	// RedisURL takes precedence over the discrete address fields when set,
	// e.g. redis://:secret@cache:6379/2.
	RedisURL      string `mapstructure:"redis_url"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	KeyPrefix     string `mapstructure:"key_prefix"`

	// EnableTwoPhase fronts Redis with a local LRU.
	EnableTwoPhase bool `mapstructure:"enable_two_phase"`
}
