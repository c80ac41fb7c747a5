// Package scoring aggregates rule evaluation results into a fraud score
// and maps scores to risk levels.
package scoring

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MaxScore is the ceiling of the aggregate score.
const MaxScore = 100.0

// Risk tier lower bounds, inclusive.
const (
	CriticalThreshold = 90.0
	HighThreshold     = 75.0
	MediumThreshold   = 50.0
	LowThreshold      = 25.0
)

// Result holds the aggregated scoring results.
type Result struct {
	Score          float64
	SimpleSum      float64
	WeightedSum    float64
	RulesTriggered int
	RiskLevel      domain.RiskLevel
}

// Aggregate computes the fraud score of one analysis. Each triggered rule
// contributes its score to a simple sum and score*priority/10 to a weighted
// sum; the aggregate is the larger of the two capped at MaxScore. Rule
// priorities are looked up by rule ID in rules.
func Aggregate(results []domain.RuleEvaluationResult, rules []*domain.FraudRule) Result {
	priorities := make(map[string]int, len(rules))
	for _, r := range rules {
		priorities[r.ID] = r.Priority
	}

	var res Result
	for _, r := range results {
		if !r.Triggered {
			continue
		}
		res.RulesTriggered++
		res.SimpleSum += r.Score
		res.WeightedSum += r.Score * float64(priorities[r.RuleID]) / 10.0
	}

	if res.RulesTriggered > 0 {
		res.Score = clamp(math.Max(res.SimpleSum, res.WeightedSum))
	}
	res.RiskLevel = RiskLevelFor(res.Score)
	return res
}

// RiskLevelFor maps a score to its risk tier.
func RiskLevelFor(score float64) domain.RiskLevel {
	switch {
	case score >= CriticalThreshold:
		return domain.RiskCritical
	case score >= HighThreshold:
		return domain.RiskHigh
	case score >= MediumThreshold:
		return domain.RiskMedium
	case score >= LowThreshold:
		return domain.RiskLow
	default:
		return domain.RiskNone
	}
}

// Reasons extracts the details of triggered rules in result order.
func Reasons(results []domain.RuleEvaluationResult) []string {
	var reasons []string
	for _, r := range results {
		if r.Triggered && r.Details != "" {
			reasons = append(reasons, r.Details)
		}
	}
	return reasons
}

func clamp(score float64) float64 {
	if score < 0 || math.IsNaN(score) {
		return 0
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}
