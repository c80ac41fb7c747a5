// Package ingest accepts transactions and accounts, runs fraud analysis and
// publishes the outcome.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Store is the persistence used by intake.
type Store interface {
	domain.AccountStore
	SaveTransaction(ctx context.Context, tx *domain.Transaction) error
	GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error)
	ListAlertsByTransaction(ctx context.Context, txID string) ([]*domain.FraudAlert, error)
}

// Analyzer scores a transaction against an already loaded account.
type Analyzer interface {
	AnalyzeWithAccount(ctx context.Context, tx *domain.Transaction, account *domain.Account) (*domain.FraudAnalysisResult, error)
}

// Service is the transaction and account intake.
type Service struct {
	store    Store
	analyzer Analyzer
	events   domain.EventBus
	clock    domain.Clock
	metrics  *metrics.Collector
	newID    func() string
}

// NewService creates an intake service. events may be nil, in which case
// nothing is published.
func NewService(store Store, analyzer Analyzer, events domain.EventBus, clock domain.Clock, m *metrics.Collector) *Service {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Service{
		store:    store,
		analyzer: analyzer,
		events:   events,
		clock:    clock,
		metrics:  m,
		newID:    func() string { return uuid.New().String() },
	}
}

// SubmitTransaction validates, persists and analyzes a transaction, then
// folds it into its account's statistics. The account is updated after
// analysis so deviation checks compare against prior history only.
func (s *Service) SubmitTransaction(ctx context.Context, req *domain.TransactionRequest) (*domain.TransactionResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: transaction request is required", domain.ErrValidation)
	}
	now := s.clock.Now()

	tx, err := req.ToTransaction(s.newID(), now)
	if err != nil {
		return nil, err
	}

	account, err := s.store.GetAccount(ctx, tx.AccountID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		account = nil
	case err != nil:
		return nil, fmt.Errorf("failed to load account %s: %w", tx.AccountID, err)
	}

	if err := s.store.SaveTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to save transaction: %w", err)
	}
	s.metrics.TransactionIngested(tx.Type)

	result, err := s.analyzer.AnalyzeWithAccount(ctx, tx, account)
	if err != nil {
		return nil, err
	}

	if account != nil {
		loc := tx.Location
		account.RecordTransaction(tx.Amount.Amount, &loc, tx.Timestamp)
		if err := s.store.SaveAccount(ctx, account); err != nil {
			slog.Error("failed to update account statistics",
				"account_id", account.AccountID,
				"transaction_id", tx.ID,
				"error", err,
			)
		}
	}

	resp := &domain.TransactionResponse{
		Transaction:  tx,
		Analysis:     result,
		IsFraudulent: result.IsFraudulent(),
	}
	s.publish(ctx, resp)
	return resp, nil
}

// EnqueueTransaction validates a request and hands it to the async workers.
func (s *Service) EnqueueTransaction(ctx context.Context, req *domain.TransactionRequest) error {
	if req == nil {
		return fmt.Errorf("%w: transaction request is required", domain.ErrValidation)
	}
	if s.events == nil {
		return errors.New("async intake requires an event bus")
	}
	if _, err := req.ToTransaction("", s.clock.Now()); err != nil {
		return err
	}
	if err := bus.PublishJSON(ctx, s.events, domain.TopicTransactionSubmitted, req); err != nil {
		return fmt.Errorf("failed to enqueue transaction: %w", err)
	}
	return nil
}

// HandleSubmitted processes a message from TopicTransactionSubmitted.
func (s *Service) HandleSubmitted(ctx context.Context, msg *domain.Message) error {
	var req domain.TransactionRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return fmt.Errorf("%w: invalid transaction payload: %w", domain.ErrValidation, err)
	}
	resp, err := s.SubmitTransaction(ctx, &req)
	if err != nil {
		return err
	}
	slog.Debug("queued transaction processed",
		"message_id", msg.ID,
		"transaction_id", resp.Transaction.ID,
		"score", resp.Analysis.FraudScore,
	)
	return nil
}

// GetTransaction returns a transaction with its alerts attached.
func (s *Service) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	alerts, err := s.store.ListAlertsByTransaction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load alerts for transaction %s: %w", id, err)
	}
	tx.Alerts = alerts
	return tx, nil
}

// ListAlerts returns the alerts raised for a transaction.
func (s *Service) ListAlerts(ctx context.Context, txID string) ([]*domain.FraudAlert, error) {
	if _, err := s.store.GetTransaction(ctx, txID); err != nil {
		return nil, err
	}
	return s.store.ListAlertsByTransaction(ctx, txID)
}

// CreateAccount opens an account. An existing id is a conflict.
func (s *Service) CreateAccount(ctx context.Context, req *domain.AccountRequest) (*domain.Account, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: account request is required", domain.ErrValidation)
	}
	account, err := req.ToAccount(s.clock.Now())
	if err != nil {
		return nil, err
	}

	_, err = s.store.GetAccount(ctx, account.AccountID)
	if err == nil {
		return nil, fmt.Errorf("%w: account %s already exists", domain.ErrStateConflict, account.AccountID)
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to check account %s: %w", account.AccountID, err)
	}

	if err := s.store.SaveAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to save account: %w", err)
	}
	slog.Info("account created", "account_id", account.AccountID)
	return account, nil
}

// GetAccount returns an account by business id.
func (s *Service) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	return s.store.GetAccount(ctx, accountID)
}

// publish emits the analysis events. Failures are logged; the analysis
// itself is already persisted.
func (s *Service) publish(ctx context.Context, resp *domain.TransactionResponse) {
	if s.events == nil {
		return
	}
	tx, result := resp.Transaction, resp.Analysis

	s.emit(ctx, domain.TopicTransactionAnalyzed, resp)

	if result.RiskLevel >= domain.RiskHigh {
		s.emit(ctx, domain.TopicFraudDetected, domain.FraudDetectedEvent{
			TransactionID: tx.ID,
			AccountID:     tx.AccountID,
			FraudScore:    result.FraudScore,
			RiskLevel:     result.RiskLevel,
			AlertCount:    len(result.Alerts),
			Reasons:       scoring.Reasons(result.RuleResults),
		})
	}
	for _, alert := range result.Alerts {
		s.emit(ctx, domain.TopicAlertCreated, alert)
	}
}

func (s *Service) emit(ctx context.Context, topic string, v any) {
	if err := bus.PublishJSON(ctx, s.events, topic, v); err != nil {
		slog.Error("failed to publish event", "topic", topic, "error", err)
	}
}
