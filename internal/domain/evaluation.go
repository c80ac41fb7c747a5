package domain

// FraudulentScore is the score from which a transaction is considered fraudulent.
const FraudulentScore = 75

// RuleEvaluationResult is the outcome of one rule against one transaction.
type RuleEvaluationResult struct {
	RuleID     string  `json:"ruleId"`
	RuleName   string  `json:"ruleName"`
	Triggered  bool    `json:"triggered"`
	Score      float64 `json:"score"`
	Details    string  `json:"details"`
	DurationMs int64   `json:"durationMs"`

	// Failed is set when the rule could not be evaluated. Details holds the reason.
	Failed bool `json:"failed,omitempty"`
}

// FraudAnalysisResult is the aggregate outcome for one transaction.
type FraudAnalysisResult struct {
	TransactionID string                 `json:"transactionId"`
	FraudScore    float64                `json:"fraudScore"`
	RiskLevel     RiskLevel              `json:"riskLevel"`
	Alerts        []*FraudAlert          `json:"alerts"`
	RuleResults   []RuleEvaluationResult `json:"ruleResults"`
	TotalMs       int64                  `json:"totalMs"`
}

// IsFraudulent reports whether the score reaches the fraud threshold.
func (r *FraudAnalysisResult) IsFraudulent() bool {
	return r.FraudScore >= FraudulentScore
}

// TransactionResponse is the API response for a created transaction.
type TransactionResponse struct {
	Transaction  *Transaction         `json:"transaction"`
	Analysis     *FraudAnalysisResult `json:"analysis"`
	IsFraudulent bool                 `json:"isFraudulent"`
}

// AnalysisBatch holds every write produced by one analysis. It is flushed
// in one unit so a crash never leaves a partially recorded outcome.
type AnalysisBatch struct {
	Transaction *Transaction
	Alerts      []*FraudAlert

	// TriggeredRules are the rules whose counters were bumped.
	TriggeredRules []*FraudRule
}
