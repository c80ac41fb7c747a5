// Package condition defines the closed set of rule conditions and their
// JSON encoding. Every condition carries a "type" tag; Parse selects the
// variant from the tag before decoding its parameters.
package condition

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalid marks a condition that cannot be decoded or fails validation.
	ErrInvalid = errors.New("invalid condition")

	// ErrUnknownType marks a type tag outside the known variants.
	ErrUnknownType = errors.New("unknown condition type")
)

// Kind is the discriminant of a condition.
type Kind string

const (
	KindAmountThreshold Kind = "AmountThreshold"
	KindVelocity        Kind = "Velocity"
	KindLocationAnomaly Kind = "LocationAnomaly"
	KindNewAccount      Kind = "NewAccount"
	KindUnusualMerchant Kind = "UnusualMerchant"
	KindTimeOfDay       Kind = "TimeOfDay"
	KindAmountDeviation Kind = "AmountDeviation"
	KindComposite       Kind = "Composite"
)

var kinds = []Kind{
	KindAmountThreshold, KindVelocity, KindLocationAnomaly, KindNewAccount,
	KindUnusualMerchant, KindTimeOfDay, KindAmountDeviation, KindComposite,
}

// ParseKind resolves a type tag case-insensitively.
func ParseKind(tag string) (Kind, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return "", fmt.Errorf("%w: missing type", ErrInvalid)
	}
	for _, k := range kinds {
		if strings.EqualFold(string(k), tag) {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, tag)
}

// Condition is one node of a rule's condition tree. The set of
// implementations is closed to this package.
type Condition interface {
	Kind() Kind
	normalize() error
}

// Operator compares a transaction amount against a threshold.
type Operator string

const (
	OpGreaterThan Operator = "GreaterThan"
	OpLessThan    Operator = "LessThan"
	OpEquals      Operator = "Equals"
)

func parseOperator(op Operator) (Operator, error) {
	if op == "" {
		return OpGreaterThan, nil
	}
	for _, known := range []Operator{OpGreaterThan, OpLessThan, OpEquals} {
		if strings.EqualFold(string(known), string(op)) {
			return known, nil
		}
	}
	return "", fmt.Errorf("%w: unknown operator %q", ErrInvalid, op)
}

// Logic combines the children of a composite.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

func parseLogic(l Logic) (Logic, error) {
	switch strings.ToUpper(strings.TrimSpace(string(l))) {
	case "", "AND":
		return LogicAnd, nil
	case "OR":
		return LogicOr, nil
	}
	return "", fmt.Errorf("%w: unknown logic %q", ErrInvalid, l)
}

// AmountThreshold compares the transaction amount with a fixed threshold.
type AmountThreshold struct {
	Threshold decimal.Decimal `json:"threshold"`
	Operator  Operator        `json:"operator"`
}

// Velocity fires when the account made too many transactions in a window.
type Velocity struct {
	TransactionCount  int `json:"transactionCount"`
	TimeWindowMinutes int `json:"timeWindowMinutes"`
}

// LocationAnomaly fires when the previous transaction in the window was too far away.
type LocationAnomaly struct {
	MaxDistanceKm     float64 `json:"maxDistanceKm"`
	TimeWindowMinutes int     `json:"timeWindowMinutes"`
}

// NewAccount fires for young accounts, optionally only above an amount cap.
type NewAccount struct {
	AccountAgeDays       int              `json:"accountAgeDays"`
	MaxTransactionAmount *decimal.Decimal `json:"maxTransactionAmount,omitempty"`
}

// UnusualMerchant fires for merchants in a high-risk category.
type UnusualMerchant struct {
	HighRiskCategories []string `json:"highRiskCategories"`
}

// TimeOfDay fires when the transaction hour lies in [StartHour, EndHour].
// The range does not wrap: StartHour > EndHour never fires.
type TimeOfDay struct {
	StartHour int `json:"startHour"`
	EndHour   int `json:"endHour"`
}

// AmountDeviation fires when the amount strays too far from the account average.
type AmountDeviation struct {
	StandardDeviationMultiplier float64 `json:"standardDeviationMultiplier"`
	MinimumTransactionCount     int     `json:"minimumTransactionCount"`
}

// Composite combines child conditions with AND or OR.
type Composite struct {
	Logic      Logic       `json:"logic"`
	Conditions []Condition `json:"conditions"`
}

func (AmountThreshold) Kind() Kind { return KindAmountThreshold }
func (Velocity) Kind() Kind        { return KindVelocity }
func (LocationAnomaly) Kind() Kind { return KindLocationAnomaly }
func (NewAccount) Kind() Kind      { return KindNewAccount }
func (UnusualMerchant) Kind() Kind { return KindUnusualMerchant }
func (TimeOfDay) Kind() Kind       { return KindTimeOfDay }
func (AmountDeviation) Kind() Kind { return KindAmountDeviation }
func (Composite) Kind() Kind       { return KindComposite }

func (c *AmountThreshold) normalize() error {
	op, err := parseOperator(c.Operator)
	if err != nil {
		return err
	}
	c.Operator = op
	return nil
}

func (c *Velocity) normalize() error {
	if c.TransactionCount < 0 {
		return fmt.Errorf("%w: transactionCount cannot be negative", ErrInvalid)
	}
	return nonNegativeWindow(c.TimeWindowMinutes)
}

func (c *LocationAnomaly) normalize() error {
	if c.MaxDistanceKm < 0 {
		return fmt.Errorf("%w: maxDistanceKm cannot be negative", ErrInvalid)
	}
	return nonNegativeWindow(c.TimeWindowMinutes)
}

func (c *NewAccount) normalize() error {
	if c.AccountAgeDays < 0 {
		return fmt.Errorf("%w: accountAgeDays cannot be negative", ErrInvalid)
	}
	if c.MaxTransactionAmount != nil && c.MaxTransactionAmount.IsNegative() {
		return fmt.Errorf("%w: maxTransactionAmount cannot be negative", ErrInvalid)
	}
	return nil
}

func (c *UnusualMerchant) normalize() error {
	if c.HighRiskCategories == nil {
		c.HighRiskCategories = []string{}
	}
	return nil
}

func (c *TimeOfDay) normalize() error {
	if c.StartHour < 0 || c.StartHour > 23 || c.EndHour < 0 || c.EndHour > 23 {
		return fmt.Errorf("%w: hours must be between 0 and 23", ErrInvalid)
	}
	return nil
}

func (c *AmountDeviation) normalize() error {
	if c.StandardDeviationMultiplier < 0 {
		return fmt.Errorf("%w: standardDeviationMultiplier cannot be negative", ErrInvalid)
	}
	if c.MinimumTransactionCount < 0 {
		return fmt.Errorf("%w: minimumTransactionCount cannot be negative", ErrInvalid)
	}
	return nil
}

func (c *Composite) normalize() error {
	logic, err := parseLogic(c.Logic)
	if err != nil {
		return err
	}
	c.Logic = logic
	return nil
}

func nonNegativeWindow(minutes int) error {
	if minutes < 0 {
		return fmt.Errorf("%w: timeWindowMinutes cannot be negative", ErrInvalid)
	}
	return nil
}
