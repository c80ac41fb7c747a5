package rules

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/condition"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Fixed and maximum scores per condition.
const (
	AmountThresholdScore    = 30.0
	VelocityMaxScore        = 50.0
	LocationAnomalyMaxScore = 60.0
	NewAccountScore         = 40.0
	UnusualMerchantScore    = 25.0
	TimeOfDayScore          = 15.0
	AmountDeviationMaxScore = 40.0
)

var (
	errNoAccount   = errors.New("condition requires an account")
	errZeroAverage = errors.New("account average amount is zero")
)

func evalAmountThreshold(c *condition.AmountThreshold, tx *domain.Transaction) (outcome, error) {
	amount := tx.Amount.Amount

	var hit bool
	switch c.Operator {
	case condition.OpGreaterThan:
		hit = amount.GreaterThan(c.Threshold)
	case condition.OpLessThan:
		hit = amount.LessThan(c.Threshold)
	case condition.OpEquals:
		hit = amount.Equal(c.Threshold)
	default:
		return outcome{}, fmt.Errorf("unknown operator %q", c.Operator)
	}

	if !hit {
		return outcome{details: fmt.Sprintf("amount %s not %s threshold %s", tx.Amount, c.Operator, c.Threshold.StringFixed(2))}, nil
	}
	return outcome{
		triggered: true,
		score:     AmountThresholdScore,
		details:   fmt.Sprintf("amount %s %s threshold %s", tx.Amount, c.Operator, c.Threshold.StringFixed(2)),
	}, nil
}

func (e *Engine) evalVelocity(ctx context.Context, c *condition.Velocity, tx *domain.Transaction) (outcome, error) {
	if e.history == nil {
		return outcome{}, errors.New("no transaction history available")
	}
	window := time.Duration(c.TimeWindowMinutes) * time.Minute
	count, err := e.history.CountInWindow(ctx, tx, window)
	if err != nil {
		return outcome{}, fmt.Errorf("velocity lookup: %w", err)
	}

	if count < c.TransactionCount {
		return outcome{details: fmt.Sprintf("%d transactions in last %d minutes", count, c.TimeWindowMinutes)}, nil
	}
	return outcome{
		triggered: true,
		score:     math.Min(VelocityMaxScore, float64(count)*10),
		details:   fmt.Sprintf("%d transactions in last %d minutes (limit %d)", count, c.TimeWindowMinutes, c.TransactionCount),
	}, nil
}

func (e *Engine) evalLocationAnomaly(ctx context.Context, c *condition.LocationAnomaly, tx *domain.Transaction) (outcome, error) {
	if e.history == nil {
		return outcome{}, errors.New("no transaction history available")
	}
	window := time.Duration(c.TimeWindowMinutes) * time.Minute
	prev, err := e.history.LatestInWindow(ctx, tx, window)
	if err != nil {
		return outcome{}, fmt.Errorf("location lookup: %w", err)
	}
	if prev == nil {
		return outcome{details: fmt.Sprintf("no other transaction in last %d minutes", c.TimeWindowMinutes)}, nil
	}

	distance := DistanceKm(prev.Location, tx.Location)
	if distance <= c.MaxDistanceKm {
		return outcome{details: fmt.Sprintf("%.2f km from previous transaction", distance)}, nil
	}
	return outcome{
		triggered: true,
		score:     math.Min(LocationAnomalyMaxScore, distance/100*10),
		details:   fmt.Sprintf("impossible travel: %.2f km within %d minutes", distance, c.TimeWindowMinutes),
	}, nil
}

func (e *Engine) evalNewAccount(c *condition.NewAccount, tx *domain.Transaction, account *domain.Account) (outcome, error) {
	if account == nil {
		return outcome{}, errNoAccount
	}
	age := account.AgeDays(e.clock.Now())
	if age > float64(c.AccountAgeDays) {
		return outcome{details: fmt.Sprintf("account is %.1f days old", age)}, nil
	}

	if c.MaxTransactionAmount != nil && !tx.Amount.Amount.GreaterThan(*c.MaxTransactionAmount) {
		return outcome{details: fmt.Sprintf("new account (%.1f days) within amount cap %s", age, c.MaxTransactionAmount.StringFixed(2))}, nil
	}
	details := fmt.Sprintf("new account (%.1f days)", age)
	if c.MaxTransactionAmount != nil {
		details = fmt.Sprintf("new account (%.1f days) above amount cap %s", age, c.MaxTransactionAmount.StringFixed(2))
	}
	return outcome{triggered: true, score: NewAccountScore, details: details}, nil
}

func evalUnusualMerchant(c *condition.UnusualMerchant, tx *domain.Transaction) outcome {
	category := strings.TrimSpace(tx.Merchant.Category)
	for _, risky := range c.HighRiskCategories {
		if category != "" && strings.EqualFold(strings.TrimSpace(risky), category) {
			return outcome{
				triggered: true,
				score:     UnusualMerchantScore,
				details:   fmt.Sprintf("high-risk merchant category %q", category),
			}
		}
	}
	return outcome{details: fmt.Sprintf("merchant category %q", category)}
}

func evalTimeOfDay(c *condition.TimeOfDay, tx *domain.Transaction) outcome {
	hour := tx.Timestamp.Hour()
	if hour < c.StartHour || hour > c.EndHour {
		return outcome{details: fmt.Sprintf("transaction at %02d:00", hour)}
	}
	return outcome{
		triggered: true,
		score:     TimeOfDayScore,
		details:   fmt.Sprintf("transaction at unusual hour %02d:00", hour),
	}
}

func evalAmountDeviation(c *condition.AmountDeviation, tx *domain.Transaction, account *domain.Account) (outcome, error) {
	if account == nil {
		return outcome{}, errNoAccount
	}
	if account.TotalTransactions < c.MinimumTransactionCount {
		return outcome{details: fmt.Sprintf("insufficient history: %d of %d transactions", account.TotalTransactions, c.MinimumTransactionCount)}, nil
	}

	avg := account.AverageTransactionAmount
	deviation := tx.Amount.Amount.Sub(avg).Abs()
	threshold := avg.Mul(decimal.NewFromFloat(c.StandardDeviationMultiplier))

	if !deviation.GreaterThan(threshold) {
		return outcome{details: fmt.Sprintf("amount %s within range of average %s", tx.Amount.Amount.StringFixed(2), avg.StringFixed(2))}, nil
	}

	if !avg.IsPositive() {
		return outcome{}, errZeroAverage
	}
	score := math.Min(AmountDeviationMaxScore, deviation.Div(avg).InexactFloat64()*10)
	return outcome{
		triggered: true,
		score:     score,
		details:   fmt.Sprintf("amount %s deviates %s from average %s", tx.Amount.Amount.StringFixed(2), deviation.StringFixed(2), avg.StringFixed(2)),
	}, nil
}

// evalComposite evaluates children in order. An empty composite never
// triggers, whatever its logic.
func (e *Engine) evalComposite(ctx context.Context, c *condition.Composite, tx *domain.Transaction, account *domain.Account) (outcome, error) {
	if len(c.Conditions) == 0 {
		return outcome{details: "composite condition has no children"}, nil
	}

	var (
		triggeredCount int
		sum            float64
		details        = make([]string, 0, len(c.Conditions))
	)
	for i, child := range c.Conditions {
		out, err := e.eval(ctx, child, tx, account)
		if err != nil {
			return outcome{}, fmt.Errorf("conditions[%d]: %w", i, err)
		}
		if out.triggered {
			triggeredCount++
			sum += clampScore(out.score)
		}
		details = append(details, out.details)
	}

	var triggered bool
	switch c.Logic {
	case condition.LogicAnd:
		triggered = triggeredCount == len(c.Conditions)
	case condition.LogicOr:
		triggered = triggeredCount > 0
	default:
		return outcome{}, fmt.Errorf("unknown logic %q", c.Logic)
	}

	out := outcome{triggered: triggered, details: strings.Join(details, "; ")}
	if triggered {
		out.score = clampScore(sum)
	}
	return out, nil
}
