// Package rules evaluates fraud rules against a transaction and its account.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/condition"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// MaxScore caps every rule and aggregate score.
const MaxScore = 100.0

// HistoryLookup answers window queries about an account's other
// transactions. Windows end at the evaluation clock.
type HistoryLookup interface {
	CountInWindow(ctx context.Context, tx *domain.Transaction, window time.Duration) (int, error)
	// LatestInWindow returns nil if no other transaction falls in the window.
	LatestInWindow(ctx context.Context, tx *domain.Transaction, window time.Duration) (*domain.Transaction, error)
}

// Engine evaluates rule condition trees.
type Engine struct {
	history    HistoryLookup
	clock      domain.Clock
	maxWorkers int
}

// NewEngine creates a new rule evaluation engine.
func NewEngine(history HistoryLookup, clock domain.Clock, maxWorkers int) *Engine {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Engine{
		history:    history,
		clock:      clock,
		maxWorkers: maxWorkers,
	}
}

// MaxWorkers returns the evaluation concurrency limit.
func (e *Engine) MaxWorkers() int {
	return e.maxWorkers
}

// outcome is the result of one condition node.
type outcome struct {
	triggered bool
	score     float64
	details   string
}

// Evaluate runs one rule. It never returns an error and never panics:
// configuration and lookup failures yield a non-triggered result whose
// Details explain the failure.
func (e *Engine) Evaluate(ctx context.Context, rule *domain.FraudRule, tx *domain.Transaction, account *domain.Account) (result domain.RuleEvaluationResult) {
	start := time.Now()
	result = domain.RuleEvaluationResult{
		RuleID:   rule.ID,
		RuleName: rule.Name,
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("rule evaluation panicked", "rule_id", rule.ID, "panic", r)
			result.Triggered = false
			result.Score = 0
			result.Failed = true
			result.Details = fmt.Sprintf("rule evaluation failed: %v", r)
		}
		result.DurationMs = time.Since(start).Milliseconds()
	}()

	cond, err := condition.Parse(rule.Conditions)
	if err != nil {
		slog.Warn("invalid rule configuration", "rule_id", rule.ID, "rule", rule.Name, "error", err)
		result.Failed = true
		result.Details = fmt.Sprintf("invalid rule configuration: %v", err)
		return result
	}

	out, err := e.eval(ctx, cond, tx, account)
	if err != nil {
		slog.Warn("rule evaluation error", "rule_id", rule.ID, "rule", rule.Name, "error", err)
		result.Failed = true
		result.Details = fmt.Sprintf("rule evaluation error: %v", err)
		return result
	}

	result.Triggered = out.triggered
	result.Details = out.details
	if out.triggered {
		result.Score = clampScore(out.score)
	}
	return result
}

// EvaluateAll runs every rule against the same transaction with at most
// MaxWorkers evaluations in flight. Results are returned in rule order.
func (e *Engine) EvaluateAll(ctx context.Context, rules []*domain.FraudRule, tx *domain.Transaction, account *domain.Account) []domain.RuleEvaluationResult {
	results := make([]domain.RuleEvaluationResult, len(rules))
	if len(rules) == 0 {
		return results
	}

	var g errgroup.Group
	g.SetLimit(e.maxWorkers)

	for i, rule := range rules {
		i, rule := i, rule
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = domain.RuleEvaluationResult{
					RuleID:   rule.ID,
					RuleName: rule.Name,
					Failed:   true,
					Details:  fmt.Sprintf("rule evaluation skipped: %v", err),
				}
				return nil
			}
			results[i] = e.Evaluate(ctx, rule, tx, account)
			return nil
		})
	}

	// Evaluate absorbs every failure, so Wait never reports one.
	_ = g.Wait()

	return results
}

func (e *Engine) eval(ctx context.Context, c condition.Condition, tx *domain.Transaction, account *domain.Account) (outcome, error) {
	switch c := c.(type) {
	case *condition.AmountThreshold:
		return evalAmountThreshold(c, tx)
	case *condition.Velocity:
		return e.evalVelocity(ctx, c, tx)
	case *condition.LocationAnomaly:
		return e.evalLocationAnomaly(ctx, c, tx)
	case *condition.NewAccount:
		return e.evalNewAccount(c, tx, account)
	case *condition.UnusualMerchant:
		return evalUnusualMerchant(c, tx), nil
	case *condition.TimeOfDay:
		return evalTimeOfDay(c, tx), nil
	case *condition.AmountDeviation:
		return evalAmountDeviation(c, tx, account)
	case *condition.Composite:
		return e.evalComposite(ctx, c, tx, account)
	default:
		return outcome{}, fmt.Errorf("%w: %T", condition.ErrUnknownType, c)
	}
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}
