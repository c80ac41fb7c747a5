package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus is the review state of a transaction.
type TransactionStatus string

const (
	TxStatusPending     TransactionStatus = "Pending"
	TxStatusUnderReview TransactionStatus = "UnderReview"
	TxStatusApproved    TransactionStatus = "Approved"
	TxStatusDeclined    TransactionStatus = "Declined"
	TxStatusCancelled   TransactionStatus = "Cancelled"
)

// TransactionType classifies the movement of money.
type TransactionType string

const (
	TxTypePurchase   TransactionType = "Purchase"
	TxTypeRefund     TransactionType = "Refund"
	TxTypeWithdrawal TransactionType = "Withdrawal"
	TxTypeTransfer   TransactionType = "Transfer"
	TxTypePayment    TransactionType = "Payment"
)

var transactionTypes = []TransactionType{
	TxTypePurchase, TxTypeRefund, TxTypeWithdrawal, TxTypeTransfer, TxTypePayment,
}

// ParseTransactionType resolves a type name case-insensitively.
func ParseTransactionType(s string) (TransactionType, error) {
	for _, t := range transactionTypes {
		if strings.EqualFold(string(t), s) {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: invalid transaction type %q", ErrValidation, s)
}

// Money is a non-negative amount in a three-letter currency.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// NewMoney validates and normalizes an amount and currency code.
func NewMoney(amount decimal.Decimal, currency string) (Money, error) {
	m := Money{Amount: amount, Currency: strings.ToUpper(strings.TrimSpace(currency))}
	if err := m.Validate(); err != nil {
		return Money{}, err
	}
	return m, nil
}

// Validate checks the money invariants.
func (m Money) Validate() error {
	if m.Amount.IsNegative() {
		return fmt.Errorf("%w: amount cannot be negative", ErrValidation)
	}
	if len(m.Currency) != 3 {
		return fmt.Errorf("%w: currency must be a 3-letter ISO code", ErrValidation)
	}
	return nil
}

func (m Money) String() string {
	return m.Amount.StringFixed(2) + " " + m.Currency
}

// Merchant identifies the counterparty of a transaction.
type Merchant struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// Location is where a transaction was made.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Country   string  `json:"country,omitempty"`
	City      string  `json:"city,omitempty"`
	IPAddress string  `json:"ipAddress,omitempty"`
}

// Validate checks coordinate ranges.
func (l Location) Validate() error {
	if l.Latitude < -90 || l.Latitude > 90 {
		return fmt.Errorf("%w: latitude must be between -90 and 90", ErrValidation)
	}
	if l.Longitude < -180 || l.Longitude > 180 {
		return fmt.Errorf("%w: longitude must be between -180 and 180", ErrValidation)
	}
	return nil
}

// Transaction is a single money movement scored by the engine.
type Transaction struct {
	ID        string            `json:"id"`
	AccountID string            `json:"accountId"`
	Amount    Money             `json:"amount"`
	Type      TransactionType   `json:"type"`
	Status    TransactionStatus `json:"status"`
	Merchant  Merchant          `json:"merchant"`
	Location  Location          `json:"location"`

	// Result of the last fraud analysis
	FraudScore float64   `json:"fraudScore"`
	RiskLevel  RiskLevel `json:"riskLevel"`

	DeviceID    string `json:"deviceId,omitempty"`
	Description string `json:"description,omitempty"`

	Alerts []*FraudAlert `json:"alerts,omitempty"`

	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks the transaction invariants.
func (t *Transaction) Validate() error {
	if strings.TrimSpace(t.AccountID) == "" {
		return fmt.Errorf("%w: account id is required", ErrValidation)
	}
	if err := t.Amount.Validate(); err != nil {
		return err
	}
	return t.Location.Validate()
}

// UpdateFraudScore records the outcome of an analysis.
func (t *Transaction) UpdateFraudScore(score float64, level RiskLevel, now time.Time) error {
	if err := ValidateScore(score); err != nil {
		return err
	}
	if !level.Valid() {
		return fmt.Errorf("%w: invalid risk level %d", ErrValidation, level)
	}
	t.FraudScore = score
	t.RiskLevel = level
	t.UpdatedAt = now
	return nil
}

// MarkForReview moves a pending transaction to manual review.
func (t *Transaction) MarkForReview(now time.Time) error {
	if t.Status != TxStatusPending {
		return fmt.Errorf("%w: cannot mark %s transaction for review", ErrStateConflict, t.Status)
	}
	t.Status = TxStatusUnderReview
	t.UpdatedAt = now
	return nil
}

// Approve accepts a pending or reviewed transaction.
func (t *Transaction) Approve(now time.Time) error {
	if t.Status != TxStatusPending && t.Status != TxStatusUnderReview {
		return fmt.Errorf("%w: cannot approve transaction in %s status", ErrStateConflict, t.Status)
	}
	t.Status = TxStatusApproved
	t.UpdatedAt = now
	return nil
}

// Decline rejects any transaction that was not already approved.
func (t *Transaction) Decline(now time.Time) error {
	if t.Status == TxStatusApproved {
		return fmt.Errorf("%w: cannot decline an approved transaction", ErrStateConflict)
	}
	t.Status = TxStatusDeclined
	t.UpdatedAt = now
	return nil
}

// Cancel withdraws a transaction that has not been settled either way.
func (t *Transaction) Cancel(now time.Time) error {
	if t.Status == TxStatusApproved || t.Status == TxStatusDeclined {
		return fmt.Errorf("%w: cannot cancel transaction in %s status", ErrStateConflict, t.Status)
	}
	t.Status = TxStatusCancelled
	t.UpdatedAt = now
	return nil
}

// IsTerminal reports whether a review workflow has settled the transaction.
func (t *Transaction) IsTerminal() bool {
	switch t.Status {
	case TxStatusApproved, TxStatusDeclined, TxStatusCancelled:
		return true
	}
	return false
}

// AddAlert attaches an alert produced by analysis.
func (t *Transaction) AddAlert(a *FraudAlert) {
	if a == nil {
		return
	}
	t.Alerts = append(t.Alerts, a)
}

// TransactionRequest is the API request payload for creating a transaction.
type TransactionRequest struct {
	AccountID   string          `json:"accountId"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Type        string          `json:"type"`
	Merchant    Merchant        `json:"merchant"`
	Location    Location        `json:"location"`
	DeviceID    string          `json:"deviceId,omitempty"`
	Description string          `json:"description,omitempty"`

	// Timestamp defaults to the time of intake.
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// ToTransaction validates the request and converts it to a pending Transaction.
func (r *TransactionRequest) ToTransaction(id string, now time.Time) (*Transaction, error) {
	money, err := NewMoney(r.Amount, r.Currency)
	if err != nil {
		return nil, err
	}
	txType := TxTypePurchase
	if r.Type != "" {
		if txType, err = ParseTransactionType(r.Type); err != nil {
			return nil, err
		}
	}
	ts := now
	if r.Timestamp != nil && !r.Timestamp.IsZero() {
		ts = *r.Timestamp
	}

	tx := &Transaction{
		ID:          id,
		AccountID:   strings.TrimSpace(r.AccountID),
		Amount:      money,
		Type:        txType,
		Status:      TxStatusPending,
		Merchant:    r.Merchant,
		Location:    r.Location,
		RiskLevel:   RiskNone,
		DeviceID:    r.DeviceID,
		Description: r.Description,
		Timestamp:   ts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	return tx, nil
}
