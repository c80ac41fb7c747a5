// Package cache holds the byte caches Kestrel keeps its active rule set in,
// plus the typed ActiveRules read-through on top of them.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const defaultLocalTTL = 5 * time.Minute

// New builds the cache selected by cfg.Type. A redis cache with
// EnableTwoPhase is fronted by a local LRU.
func New(cfg domain.CacheConfig) (domain.PriorityCache, error) {
	switch cfg.Type {
	case "", "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil
	case "redis":
		remote, err := NewRedisCache(cfg)
		if err != nil {
			return nil, err
		}
		if !cfg.EnableTwoPhase {
			return remote, nil
		}
		return newTwoPhase(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// TwoPhaseCache reads through a process-local LRU (L1) to a shared remote
// cache (L2). Writes go to both; L1 entries never outlive localTTL, which
// bounds how stale one instance can be after another invalidates L2.
type TwoPhaseCache struct {
	local    *LRUCache
	remote   domain.Cache
	localTTL time.Duration
}

func newTwoPhase(local *LRUCache, remote domain.Cache, localTTL time.Duration) *TwoPhaseCache {
	if localTTL <= 0 {
		localTTL = defaultLocalTTL
	}
	return &TwoPhaseCache{local: local, remote: remote, localTTL: localTTL}
}

func (c *TwoPhaseCache) Get(ctx context.Context, key string) ([]byte, error) {
	if val, err := c.local.Get(ctx, key); err != nil || val != nil {
		return val, err
	}
	val, err := c.remote.Get(ctx, key)
	if err != nil || val == nil {
		return nil, err
	}
	_ = c.local.Set(ctx, key, val, c.localTTL)
	return val, nil
}

func (c *TwoPhaseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.local.Set(ctx, key, value, c.capTTL(ttl)); err != nil {
		return err
	}
	return c.remote.Set(ctx, key, value, ttl)
}

// SetPinned pins the entry in L1 only; L2 has no notion of pinning.
func (c *TwoPhaseCache) SetPinned(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.local.SetPinned(ctx, key, value, c.capTTL(ttl)); err != nil {
		return err
	}
	return c.remote.Set(ctx, key, value, ttl)
}

// Delete drops the local copy even when the remote delete fails.
func (c *TwoPhaseCache) Delete(ctx context.Context, key string) error {
	_ = c.local.Delete(ctx, key)
	return c.remote.Delete(ctx, key)
}

func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("remote cache: %w", err)
	}
	return nil
}

func (c *TwoPhaseCache) Close() error {
	return errors.Join(c.local.Close(), c.remote.Close())
}

// Stats reports the local tier's occupancy.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.local.Stats()
}

func (c *TwoPhaseCache) capTTL(ttl time.Duration) time.Duration {
	if ttl > 0 && ttl < c.localTTL {
		return ttl
	}
	return c.localTTL
}
