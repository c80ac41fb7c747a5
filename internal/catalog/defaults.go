package catalog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/condition"
	"github.com/opensource-finance/kestrel/internal/domain"
)

type defaultRule struct {
	name        string
	description string
	level       domain.RiskLevel
	ruleType    string
	priority    int
	cond        condition.Condition
}

func defaultRules() []defaultRule {
	newAccountCap := decimal.NewFromInt(1000)

	return []defaultRule{
		{
			name:        "High Value Transaction",
			description: "Triggers when transaction amount exceeds $5,000",
			level:       domain.RiskMedium,
			ruleType:    "AmountBased",
			priority:    8,
			cond:        &condition.AmountThreshold{Threshold: decimal.NewFromInt(5000), Operator: condition.OpGreaterThan},
		},
		{
			name:        "High Transaction Velocity",
			description: "Triggers when account makes 5+ transactions within 10 minutes",
			level:       domain.RiskHigh,
			ruleType:    "VelocityBased",
			priority:    10,
			cond:        &condition.Velocity{TransactionCount: 5, TimeWindowMinutes: 10},
		},
		{
			name:        "Impossible Travel Detected",
			description: "Triggers when transactions occur more than 500km apart within 1 hour",
			level:       domain.RiskCritical,
			ruleType:    "LocationBased",
			priority:    10,
			cond:        &condition.LocationAnomaly{MaxDistanceKm: 500, TimeWindowMinutes: 60},
		},
		{
			name:        "New Account Large Transaction",
			description: "Triggers when accounts less than 7 days old make transactions over $1,000",
			level:       domain.RiskHigh,
			ruleType:    "AccountBased",
			priority:    9,
			cond:        &condition.NewAccount{AccountAgeDays: 7, MaxTransactionAmount: &newAccountCap},
		},
		{
			name:        "High Risk Merchant Category",
			description: "Triggers for transactions with high-risk merchant categories",
			level:       domain.RiskMedium,
			ruleType:    "MerchantBased",
			priority:    6,
			cond: &condition.UnusualMerchant{HighRiskCategories: []string{
				"Gambling",
				"Cryptocurrency",
				"Adult Entertainment",
				"Money Transfer",
				"Wire Transfer",
			}},
		},
		{
			name:        "Unusual Transaction Time",
			description: "Triggers for transactions between 2 AM and 4 AM",
			level:       domain.RiskLow,
			ruleType:    "TimeBased",
			priority:    4,
			cond:        &condition.TimeOfDay{StartHour: 2, EndHour: 4},
		},
		{
			name:        "Unusual Transaction Amount",
			description: "Triggers when transaction amount significantly deviates from account's average",
			level:       domain.RiskMedium,
			ruleType:    "PatternBased",
			priority:    7,
			cond:        &condition.AmountDeviation{StandardDeviationMultiplier: 3.0, MinimumTransactionCount: 5},
		},
	}
}

// SeedDefaults installs the stock rule set when no rules exist. It returns
// the number of rules created.
func (c *Catalog) SeedDefaults(ctx context.Context) (int, error) {
	count, err := c.store.CountRules(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count rules: %w", err)
	}
	if count > 0 {
		slog.Info("fraud rules already exist, skipping seed", "count", count)
		return 0, nil
	}

	now := c.clock.Now()
	defaults := defaultRules()
	for _, d := range defaults {
		conditions, err := condition.Marshal(d.cond)
		if err != nil {
			return 0, fmt.Errorf("failed to encode default rule %q: %w", d.name, err)
		}
		rule, err := domain.NewFraudRule(c.newID(), d.name, d.description, d.ruleType, d.level, d.priority, conditions, now)
		if err != nil {
			return 0, fmt.Errorf("invalid default rule %q: %w", d.name, err)
		}
		if err := c.store.SaveRule(ctx, rule); err != nil {
			return 0, fmt.Errorf("failed to save default rule %q: %w", d.name, err)
		}
	}

	if err := c.invalidate(ctx); err != nil {
		return len(defaults), err
	}

	slog.Info("seeded default fraud rules", "count", len(defaults))
	return len(defaults), nil
}
