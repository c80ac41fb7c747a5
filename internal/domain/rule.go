package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RiskLevel is an ordinal risk classification. Higher is riskier.
type RiskLevel int

const (
	RiskNone RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

var riskLevelNames = [...]string{"None", "Low", "Medium", "High", "Critical"}

func (r RiskLevel) String() string {
	if !r.Valid() {
		return fmt.Sprintf("RiskLevel(%d)", int(r))
	}
	return riskLevelNames[r]
}

// Valid reports whether r is one of the defined levels.
func (r RiskLevel) Valid() bool {
	return r >= RiskNone && r <= RiskCritical
}

// ParseRiskLevel resolves a level name case-insensitively.
func ParseRiskLevel(s string) (RiskLevel, error) {
	s = strings.TrimSpace(s)
	for i, name := range riskLevelNames {
		if strings.EqualFold(name, s) {
			return RiskLevel(i), nil
		}
	}
	return RiskNone, fmt.Errorf("%w: invalid risk level %q", ErrValidation, s)
}

func (r RiskLevel) MarshalJSON() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: invalid risk level %d", ErrValidation, int(r))
	}
	return json.Marshal(r.String())
}

func (r *RiskLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: risk level must be a string", ErrValidation)
	}
	level, err := ParseRiskLevel(s)
	if err != nil {
		return err
	}
	*r = level
	return nil
}

// FraudRule is a configured, prioritized and toggleable fraud check.
type FraudRule struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	IsActive    bool      `json:"isActive"`
	RiskLevel   RiskLevel `json:"riskLevel"`
	RuleType    string    `json:"ruleType"`

	// Priority weights the rule in the aggregate score. Must be >= 1.
	Priority int `json:"priority"`

	// Conditions is the serialized condition tree.
	Conditions json.RawMessage `json:"conditions"`

	TimesTriggered  int64      `json:"timesTriggered"`
	LastTriggeredAt *time.Time `json:"lastTriggeredAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewFraudRule validates its inputs and returns an active rule.
func NewFraudRule(id, name, description, ruleType string, level RiskLevel, priority int, conditions json.RawMessage, now time.Time) (*FraudRule, error) {
	if err := validateRuleMetadata(name, description, level); err != nil {
		return nil, err
	}
	if strings.TrimSpace(ruleType) == "" {
		return nil, fmt.Errorf("%w: rule type is required", ErrValidation)
	}
	if err := validatePriority(priority); err != nil {
		return nil, err
	}
	if err := validateConditions(conditions); err != nil {
		return nil, err
	}
	return &FraudRule{
		ID:          id,
		Name:        strings.TrimSpace(name),
		Description: strings.TrimSpace(description),
		IsActive:    true,
		RiskLevel:   level,
		RuleType:    strings.TrimSpace(ruleType),
		Priority:    priority,
		Conditions:  conditions,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (r *FraudRule) Activate(now time.Time) {
	r.IsActive = true
	r.UpdatedAt = now
}

func (r *FraudRule) Deactivate(now time.Time) {
	r.IsActive = false
	r.UpdatedAt = now
}

// UpdatePriority changes the rule weight.
func (r *FraudRule) UpdatePriority(priority int, now time.Time) error {
	if err := validatePriority(priority); err != nil {
		return err
	}
	r.Priority = priority
	r.UpdatedAt = now
	return nil
}

// UpdateConditions replaces the serialized condition tree.
func (r *FraudRule) UpdateConditions(conditions json.RawMessage, now time.Time) error {
	if err := validateConditions(conditions); err != nil {
		return err
	}
	r.Conditions = conditions
	r.UpdatedAt = now
	return nil
}

// UpdateMetadata changes the descriptive fields and risk level.
func (r *FraudRule) UpdateMetadata(name, description string, level RiskLevel, now time.Time) error {
	if err := validateRuleMetadata(name, description, level); err != nil {
		return err
	}
	r.Name = strings.TrimSpace(name)
	r.Description = strings.TrimSpace(description)
	r.RiskLevel = level
	r.UpdatedAt = now
	return nil
}

// RecordTrigger bumps the trigger counter.
func (r *FraudRule) RecordTrigger(now time.Time) {
	r.TimesTriggered++
	t := now
	r.LastTriggeredAt = &t
	r.UpdatedAt = now
}

func validateRuleMetadata(name, description string, level RiskLevel) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: rule name is required", ErrValidation)
	}
	if strings.TrimSpace(description) == "" {
		return fmt.Errorf("%w: rule description is required", ErrValidation)
	}
	if !level.Valid() {
		return fmt.Errorf("%w: invalid risk level %d", ErrValidation, int(level))
	}
	return nil
}

func validatePriority(priority int) error {
	if priority < 1 {
		return fmt.Errorf("%w: priority must be at least 1, got %d", ErrValidation, priority)
	}
	return nil
}

func validateConditions(conditions json.RawMessage) error {
	if len(strings.TrimSpace(string(conditions))) == 0 {
		return fmt.Errorf("%w: conditions are required", ErrValidation)
	}
	return nil
}

// RuleRequest is the API request payload for creating a rule.
type RuleRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	RiskLevel   string          `json:"riskLevel"`
	RuleType    string          `json:"ruleType"`
	Priority    int             `json:"priority"`
	Conditions  json.RawMessage `json:"conditions"`
}

// RuleMetadataRequest is the API request payload for renaming a rule.
type RuleMetadataRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	RiskLevel   string `json:"riskLevel"`
}
