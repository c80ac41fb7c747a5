package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

const (
	// ActiveRulesKey is the cache key of the active rule set.
	ActiveRulesKey = "rules:active"

	// DefaultActiveRulesTTL bounds how long a cached rule set is served.
	DefaultActiveRulesTTL = 10 * time.Minute
)

// RuleLister loads rules from the system of record.
type RuleLister interface {
	ListRules(ctx context.Context, activeOnly bool) ([]*domain.FraudRule, error)
}

// ActiveRules is a read-through cache of the active rule set, ordered by
// descending priority.
//
// Concurrent misses share one load. A load that began before Invalidate
// returns its rules to its callers but never writes them to the cache.
type ActiveRules struct {
	cache   domain.Cache
	store   RuleLister
	ttl     time.Duration
	metrics *metrics.Collector

	group singleflight.Group

	// mu orders cache writes after loads against Invalidate.
	mu         sync.Mutex
	generation atomic.Uint64
}

// NewActiveRules creates the active rule cache. A non-positive ttl selects
// DefaultActiveRulesTTL.
func NewActiveRules(c domain.Cache, store RuleLister, ttl time.Duration, m *metrics.Collector) *ActiveRules {
	if ttl <= 0 {
		ttl = DefaultActiveRulesTTL
	}
	return &ActiveRules{
		cache:   c,
		store:   store,
		ttl:     ttl,
		metrics: m,
	}
}

// Get returns the active rules. Each caller receives its own copies.
func (a *ActiveRules) Get(ctx context.Context) ([]*domain.FraudRule, error) {
	data, err := a.cache.Get(ctx, ActiveRulesKey)
	switch {
	case err != nil:
		slog.Warn("active rule cache read failed", "key", ActiveRulesKey, "error", err)
	case data != nil:
		var rules []*domain.FraudRule
		if err := json.Unmarshal(data, &rules); err == nil {
			a.metrics.CacheHit()
			return rules, nil
		}
		slog.Warn("discarding undecodable active rule cache entry", "key", ActiveRulesKey)
	}

	a.metrics.CacheMiss()
	slog.Info("active rule cache miss, loading from store", "key", ActiveRulesKey)

	gen := a.generation.Load()
	ch := a.group.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		return a.load(context.WithoutCancel(ctx), gen)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return cloneRules(res.Val.([]*domain.FraudRule)), nil
	}
}

// Invalidate drops the cached rule set. Loads already in flight will not
// repopulate the cache.
func (a *ActiveRules) Invalidate(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.generation.Add(1)
	if err := a.cache.Delete(ctx, ActiveRulesKey); err != nil {
		return fmt.Errorf("failed to invalidate active rules: %w", err)
	}
	slog.Debug("active rule cache invalidated", "key", ActiveRulesKey)
	return nil
}

func (a *ActiveRules) load(ctx context.Context, gen uint64) ([]*domain.FraudRule, error) {
	rules, err := a.store.ListRules(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load active rules: %w", err)
	}

	data, err := json.Marshal(rules)
	if err != nil {
		slog.Warn("active rules not cached", "error", err)
		return rules, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.generation.Load() != gen {
		slog.Debug("active rules changed during load, skipping cache write")
		return rules, nil
	}

	if pc, ok := a.cache.(domain.PriorityCache); ok {
		err = pc.SetPinned(ctx, ActiveRulesKey, data, a.ttl)
	} else {
		err = a.cache.Set(ctx, ActiveRulesKey, data, a.ttl)
	}
	if err != nil {
		slog.Warn("active rule cache write failed", "key", ActiveRulesKey, "error", err)
		return rules, nil
	}

	slog.Info("active rules cached", "count", len(rules), "ttl", a.ttl)
	return rules, nil
}

func cloneRules(rules []*domain.FraudRule) []*domain.FraudRule {
	out := make([]*domain.FraudRule, len(rules))
	for i, r := range rules {
		c := *r
		out[i] = &c
	}
	return out
}
