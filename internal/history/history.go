// Package history answers time-window questions about an account's
// transactions for the rule engine.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Service resolves window lookups against the transaction store. Windows
// are [now - window, now) where now comes from the injected clock, and the
// transaction under evaluation is always excluded.
type Service struct {
	store domain.TransactionHistory
	clock domain.Clock
}

// NewService creates a new history service.
func NewService(store domain.TransactionHistory, clock domain.Clock) *Service {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Service{
		store: store,
		clock: clock,
	}
}

// CountInWindow returns how many other transactions the account made in the window.
func (s *Service) CountInWindow(ctx context.Context, tx *domain.Transaction, window time.Duration) (int, error) {
	since, until, err := s.bounds(tx, window)
	if err != nil {
		return 0, err
	}

	count, err := s.store.CountTransactionsSince(ctx, tx.AccountID, since, until, tx.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return count, nil
}

// LatestInWindow returns the account's most recent other transaction in the
// window, or nil if there is none.
func (s *Service) LatestInWindow(ctx context.Context, tx *domain.Transaction, window time.Duration) (*domain.Transaction, error) {
	since, until, err := s.bounds(tx, window)
	if err != nil {
		return nil, err
	}

	latest, err := s.store.LatestTransactionSince(ctx, tx.AccountID, since, until, tx.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to find latest transaction: %w", err)
	}
	return latest, nil
}

func (s *Service) bounds(tx *domain.Transaction, window time.Duration) (time.Time, time.Time, error) {
	if s.store == nil {
		return time.Time{}, time.Time{}, fmt.Errorf("no data source available")
	}
	if tx == nil || tx.AccountID == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("account id is required")
	}
	if window < 0 {
		return time.Time{}, time.Time{}, fmt.Errorf("window cannot be negative")
	}
	now := s.clock.Now()
	return now.Add(-window), now, nil
}
