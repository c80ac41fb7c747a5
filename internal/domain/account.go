package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Account is the owner of transactions. Its running statistics feed the
// account-age and deviation conditions.
type Account struct {
	AccountID        string    `json:"accountId"`
	Email            string    `json:"email"`
	Phone            string    `json:"phone,omitempty"`
	RegistrationDate time.Time `json:"registrationDate"`

	TotalTransactions        int             `json:"totalTransactions"`
	AverageTransactionAmount decimal.Decimal `json:"averageTransactionAmount"`
	TotalSpent               decimal.Decimal `json:"totalSpent"`

	LastKnownLocation *Location  `json:"lastKnownLocation,omitempty"`
	LastTransactionAt *time.Time `json:"lastTransactionAt,omitempty"`
	IsSuspended       bool       `json:"isSuspended"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AgeDays returns the account age in fractional days at now.
func (a *Account) AgeDays(now time.Time) float64 {
	return now.Sub(a.RegistrationDate).Hours() / 24
}

// RecordTransaction folds a completed transaction into the running statistics.
func (a *Account) RecordTransaction(amount decimal.Decimal, loc *Location, at time.Time) {
	a.TotalTransactions++
	a.TotalSpent = a.TotalSpent.Add(amount)
	a.AverageTransactionAmount = a.TotalSpent.Div(decimal.NewFromInt(int64(a.TotalTransactions)))
	if loc != nil {
		l := *loc
		a.LastKnownLocation = &l
	}
	t := at
	a.LastTransactionAt = &t
	a.UpdatedAt = at
}

// AccountRequest is the API request payload for opening an account.
type AccountRequest struct {
	AccountID        string     `json:"accountId"`
	Email            string     `json:"email"`
	Phone            string     `json:"phone,omitempty"`
	RegistrationDate *time.Time `json:"registrationDate,omitempty"`
}

// ToAccount validates the request and converts it to an Account.
func (r *AccountRequest) ToAccount(now time.Time) (*Account, error) {
	id := strings.TrimSpace(r.AccountID)
	if id == "" {
		return nil, fmt.Errorf("%w: account id is required", ErrValidation)
	}
	email := strings.TrimSpace(r.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: a valid email is required", ErrValidation)
	}
	reg := now
	if r.RegistrationDate != nil && !r.RegistrationDate.IsZero() {
		reg = r.RegistrationDate.UTC()
	}
	return &Account{
		AccountID:                id,
		Email:                    email,
		Phone:                    strings.TrimSpace(r.Phone),
		RegistrationDate:         reg,
		AverageTransactionAmount: decimal.Zero,
		TotalSpent:               decimal.Zero,
		CreatedAt:                now,
		UpdatedAt:                now,
	}, nil
}
