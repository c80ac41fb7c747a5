// Package catalog manages fraud rule configuration.
//
// Every write saves the rule and then drops the cached active rule set
// before returning.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/condition"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Invalidator drops cached rule state.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Catalog creates, updates and lists fraud rules.
type Catalog struct {
	store       domain.RuleStore
	invalidator Invalidator
	clock       domain.Clock
	newID       func() string
}

// New creates a rule catalog.
func New(store domain.RuleStore, invalidator Invalidator, clock domain.Clock) *Catalog {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Catalog{
		store:       store,
		invalidator: invalidator,
		clock:       clock,
		newID:       func() string { return uuid.New().String() },
	}
}

// Create validates the request and stores a new active rule.
func (c *Catalog) Create(ctx context.Context, req domain.RuleRequest) (*domain.FraudRule, error) {
	level, err := domain.ParseRiskLevel(req.RiskLevel)
	if err != nil {
		return nil, err
	}
	conditions, err := canonicalConditions(req.Conditions)
	if err != nil {
		return nil, err
	}

	rule, err := domain.NewFraudRule(c.newID(), req.Name, req.Description, req.RuleType, level, req.Priority, conditions, c.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := c.commit(ctx, rule); err != nil {
		return nil, err
	}

	slog.Info("fraud rule created", "rule_id", rule.ID, "rule", rule.Name, "priority", rule.Priority)
	return rule, nil
}

// Get returns a rule by id.
func (c *Catalog) Get(ctx context.Context, id string) (*domain.FraudRule, error) {
	return c.store.GetRule(ctx, id)
}

// List returns rules ordered by descending priority.
func (c *Catalog) List(ctx context.Context, activeOnly bool) ([]*domain.FraudRule, error) {
	return c.store.ListRules(ctx, activeOnly)
}

// UpdateMetadata renames a rule and changes its risk level.
func (c *Catalog) UpdateMetadata(ctx context.Context, id string, req domain.RuleMetadataRequest) (*domain.FraudRule, error) {
	level, err := domain.ParseRiskLevel(req.RiskLevel)
	if err != nil {
		return nil, err
	}
	return c.apply(ctx, id, func(r *domain.FraudRule) error {
		return r.UpdateMetadata(req.Name, req.Description, level, c.clock.Now())
	})
}

// UpdateConditions replaces a rule's condition tree.
func (c *Catalog) UpdateConditions(ctx context.Context, id string, conditions json.RawMessage) (*domain.FraudRule, error) {
	canonical, err := canonicalConditions(conditions)
	if err != nil {
		return nil, err
	}
	return c.apply(ctx, id, func(r *domain.FraudRule) error {
		return r.UpdateConditions(canonical, c.clock.Now())
	})
}

// UpdatePriority changes a rule's weight.
func (c *Catalog) UpdatePriority(ctx context.Context, id string, priority int) (*domain.FraudRule, error) {
	return c.apply(ctx, id, func(r *domain.FraudRule) error {
		return r.UpdatePriority(priority, c.clock.Now())
	})
}

// Activate enables a rule.
func (c *Catalog) Activate(ctx context.Context, id string) (*domain.FraudRule, error) {
	return c.apply(ctx, id, func(r *domain.FraudRule) error {
		r.Activate(c.clock.Now())
		return nil
	})
}

// Deactivate disables a rule.
func (c *Catalog) Deactivate(ctx context.Context, id string) (*domain.FraudRule, error) {
	return c.apply(ctx, id, func(r *domain.FraudRule) error {
		r.Deactivate(c.clock.Now())
		return nil
	})
}

func (c *Catalog) apply(ctx context.Context, id string, mutate func(*domain.FraudRule) error) (*domain.FraudRule, error) {
	rule, err := c.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := mutate(rule); err != nil {
		return nil, err
	}
	if err := c.commit(ctx, rule); err != nil {
		return nil, err
	}
	slog.Info("fraud rule updated", "rule_id", rule.ID, "rule", rule.Name, "active", rule.IsActive, "priority", rule.Priority)
	return rule, nil
}

// commit saves a single rule and invalidates the active rule set.
func (c *Catalog) commit(ctx context.Context, rule *domain.FraudRule) error {
	if err := c.store.SaveRule(ctx, rule); err != nil {
		return fmt.Errorf("failed to save rule %s: %w", rule.ID, err)
	}
	return c.invalidate(ctx)
}

func (c *Catalog) invalidate(ctx context.Context) error {
	if c.invalidator == nil {
		return nil
	}
	if err := c.invalidator.Invalidate(ctx); err != nil {
		return fmt.Errorf("rule saved but active rule cache not invalidated: %w", err)
	}
	return nil
}

// canonicalConditions parses a condition tree and re-encodes it with its
// type tags and defaults filled in.
func canonicalConditions(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: conditions are required", domain.ErrValidation)
	}
	cond, err := condition.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	data, err := condition.Marshal(cond)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	return data, nil
}
