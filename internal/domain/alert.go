package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// AlertStatus is the review state of an alert.
type AlertStatus string

const (
	AlertStatusNew            AlertStatus = "New"
	AlertStatusInvestigating  AlertStatus = "Investigating"
	AlertStatusResolved       AlertStatus = "Resolved"
	AlertStatusFalsePositive  AlertStatus = "FalsePositive"
	AlertStatusConfirmedFraud AlertStatus = "ConfirmedFraud"
)

// FraudAlert records one rule triggering on one transaction.
type FraudAlert struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	RuleID        string    `json:"ruleId,omitempty"`
	RuleName      string    `json:"ruleName"`
	RiskLevel     RiskLevel `json:"riskLevel"`
	Score         float64   `json:"score"`
	Message       string    `json:"message"`
	Details       string    `json:"details,omitempty"`

	// Review workflow fields. Only creation happens in this service.
	Status      AlertStatus `json:"status"`
	ReviewedBy  string      `json:"reviewedBy,omitempty"`
	ReviewedAt  *time.Time  `json:"reviewedAt,omitempty"`
	ReviewNotes string      `json:"reviewNotes,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// NewFraudAlert validates its inputs and returns an alert in status New.
func NewFraudAlert(id, transactionID, ruleID, ruleName string, level RiskLevel, score float64, message, details string, now time.Time) (*FraudAlert, error) {
	if strings.TrimSpace(transactionID) == "" {
		return nil, fmt.Errorf("%w: transaction id is required", ErrValidation)
	}
	if strings.TrimSpace(ruleName) == "" {
		return nil, fmt.Errorf("%w: rule name is required", ErrValidation)
	}
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("%w: alert message is required", ErrValidation)
	}
	if err := ValidateScore(score); err != nil {
		return nil, err
	}
	if !level.Valid() {
		return nil, fmt.Errorf("%w: invalid risk level %d", ErrValidation, int(level))
	}
	return &FraudAlert{
		ID:            id,
		TransactionID: transactionID,
		RuleID:        ruleID,
		RuleName:      ruleName,
		RiskLevel:     level,
		Score:         score,
		Message:       message,
		Details:       details,
		Status:        AlertStatusNew,
		CreatedAt:     now,
	}, nil
}

// ValidateScore checks that a fraud score lies in [0, 100].
func ValidateScore(score float64) error {
	if score < 0 || score > 100 || math.IsNaN(score) {
		return fmt.Errorf("%w: score must be between 0 and 100, got %v", ErrValidation, score)
	}
	return nil
}
