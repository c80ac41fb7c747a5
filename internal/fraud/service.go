// Package fraud orchestrates the fraud analysis of a transaction: it loads
// the active rules, evaluates them concurrently, aggregates the score,
// creates alerts and flushes every write in one batch.
package fraud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Score and level assigned when the transaction's account is unknown.
const (
	UnknownAccountScore = 20.0
	UnknownAccountRisk  = domain.RiskLow
)

var tracer = otel.Tracer("kestrel-fraud")

// RuleSource supplies the active rules in descending priority order.
// Callers may mutate the returned rules.
type RuleSource interface {
	Get(ctx context.Context) ([]*domain.FraudRule, error)
}

// Service analyzes transactions for fraud.
type Service struct {
	accounts domain.AccountStore
	rules    RuleSource
	engine   *rules.Engine
	sink     domain.AnalysisSink
	clock    domain.Clock
	metrics  *metrics.Collector

	timeout time.Duration
	newID   func() string
}

// NewService creates a fraud detection service.
func NewService(accounts domain.AccountStore, ruleSource RuleSource, engine *rules.Engine, sink domain.AnalysisSink, clock domain.Clock, m *metrics.Collector) *Service {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Service{
		accounts: accounts,
		rules:    ruleSource,
		engine:   engine,
		sink:     sink,
		clock:    clock,
		metrics:  m,
		newID:    func() string { return uuid.New().String() },
	}
}

// SetTimeout bounds each analysis. Zero disables the bound.
func (s *Service) SetTimeout(d time.Duration) {
	s.timeout = d
}

// AnalyzeTransaction looks up the transaction's account and analyzes the
// transaction against it. An unknown account yields a fixed low-risk
// result without evaluating any rule.
func (s *Service) AnalyzeTransaction(ctx context.Context, tx *domain.Transaction) (*domain.FraudAnalysisResult, error) {
	return s.run(ctx, tx, func(ctx context.Context) (*domain.Account, error) {
		return s.accounts.GetAccount(ctx, tx.AccountID)
	})
}

// AnalyzeWithAccount analyzes the transaction against an account the
// caller already loaded. A nil account is treated as unknown.
func (s *Service) AnalyzeWithAccount(ctx context.Context, tx *domain.Transaction, account *domain.Account) (*domain.FraudAnalysisResult, error) {
	return s.run(ctx, tx, func(context.Context) (*domain.Account, error) {
		if account == nil {
			return nil, domain.ErrNotFound
		}
		return account, nil
	})
}

func (s *Service) run(ctx context.Context, tx *domain.Transaction, loadAccount func(context.Context) (*domain.Account, error)) (*domain.FraudAnalysisResult, error) {
	if tx == nil {
		return nil, fmt.Errorf("%w: transaction is required", domain.ErrValidation)
	}

	start := time.Now()
	ctx, span := tracer.Start(ctx, "fraud.analyze",
		trace.WithAttributes(
			attribute.String("transaction.id", tx.ID),
			attribute.String("account.id", tx.AccountID),
		),
	)
	defer span.End()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	slog.Info("starting fraud analysis",
		"transaction_id", tx.ID,
		"account_id", tx.AccountID,
		"amount", tx.Amount.String(),
	)

	result, err := s.analyze(ctx, tx, loadAccount)
	if err != nil {
		slog.Error("fraud analysis failed",
			"transaction_id", tx.ID,
			"error", err,
		)
		s.failSafe(ctx, tx)
		s.metrics.AnalysisFailed()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result.TotalMs = time.Since(start).Milliseconds()
	s.metrics.ObserveAnalysis(result.RiskLevel, result.FraudScore, time.Since(start))
	span.SetAttributes(
		attribute.Int("rules.evaluated", len(result.RuleResults)),
		attribute.Int("alerts.created", len(result.Alerts)),
		attribute.Float64("fraud.score", result.FraudScore),
		attribute.String("fraud.risk_level", result.RiskLevel.String()),
	)

	slog.Info("fraud analysis completed",
		"transaction_id", tx.ID,
		"score", result.FraudScore,
		"risk_level", result.RiskLevel.String(),
		"alerts", len(result.Alerts),
		"duration_ms", result.TotalMs,
	)
	return result, nil
}

func (s *Service) analyze(ctx context.Context, tx *domain.Transaction, loadAccount func(context.Context) (*domain.Account, error)) (*domain.FraudAnalysisResult, error) {
	account, err := loadAccount(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		slog.Warn("account not found, returning safe result",
			"account_id", tx.AccountID,
			"transaction_id", tx.ID,
		)
		return safeResult(tx), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", tx.AccountID, err)
	}

	activeRules, err := s.rules.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load active rules: %w", err)
	}

	slog.Debug("evaluating active fraud rules",
		"transaction_id", tx.ID,
		"rule_count", len(activeRules),
	)

	results := s.engine.EvaluateAll(ctx, activeRules, tx, account)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("analysis of transaction %s interrupted: %w", tx.ID, err)
	}
	s.metrics.ObserveRules(results)

	now := s.clock.Now()
	alerts := make([]*domain.FraudAlert, 0)
	var triggered []*domain.FraudRule

	// Results are index-aligned with activeRules, so alerts follow rule priority.
	for i, res := range results {
		if !res.Triggered {
			continue
		}
		rule := activeRules[i]

		slog.Warn("fraud rule triggered",
			"rule", rule.Name,
			"rule_id", rule.ID,
			"transaction_id", tx.ID,
			"score", res.Score,
		)

		rule.RecordTrigger(now)
		alert, err := domain.NewFraudAlert(
			s.newID(), tx.ID, rule.ID, rule.Name, rule.RiskLevel, res.Score,
			fmt.Sprintf("Rule '%s' triggered", rule.Name), res.Details, now,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create alert for rule %s: %w", rule.ID, err)
		}
		tx.AddAlert(alert)
		alerts = append(alerts, alert)
		triggered = append(triggered, rule)
	}

	agg := scoring.Aggregate(results, activeRules)
	if err := tx.UpdateFraudScore(agg.Score, agg.RiskLevel, now); err != nil {
		return nil, fmt.Errorf("failed to update fraud score: %w", err)
	}

	switch {
	case agg.RiskLevel >= domain.RiskHigh:
		slog.Warn("high risk transaction detected",
			"transaction_id", tx.ID,
			"score", agg.Score,
			"risk_level", agg.RiskLevel.String(),
		)
		s.markForReview(tx, now)
	case agg.RiskLevel == domain.RiskMedium:
		slog.Info("medium risk transaction detected",
			"transaction_id", tx.ID,
			"score", agg.Score,
		)
	}

	batch := &domain.AnalysisBatch{
		Transaction:    tx,
		Alerts:         alerts,
		TriggeredRules: triggered,
	}
	if err := s.sink.SaveAnalysis(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to persist analysis of transaction %s: %w", tx.ID, err)
	}

	return &domain.FraudAnalysisResult{
		TransactionID: tx.ID,
		FraudScore:    agg.Score,
		RiskLevel:     agg.RiskLevel,
		Alerts:        alerts,
		RuleResults:   results,
	}, nil
}

// failSafe routes a transaction whose analysis failed to manual review.
// It persists even when ctx is already cancelled.
func (s *Service) failSafe(ctx context.Context, tx *domain.Transaction) {
	s.markForReview(tx, s.clock.Now())

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.sink.SaveAnalysis(ctx, &domain.AnalysisBatch{Transaction: tx}); err != nil {
		slog.Error("failed to persist transaction after analysis failure",
			"transaction_id", tx.ID,
			"error", err,
		)
	}
}

// markForReview moves a pending transaction to review. Settled and
// already-reviewed transactions are left as they are.
func (s *Service) markForReview(tx *domain.Transaction, now time.Time) {
	if tx.Status == domain.TxStatusUnderReview {
		return
	}
	if tx.IsTerminal() {
		slog.Info("high risk on settled transaction, status kept",
			"transaction_id", tx.ID,
			"status", string(tx.Status),
		)
		return
	}
	if err := tx.MarkForReview(now); err != nil {
		slog.Warn("transaction not marked for review",
			"transaction_id", tx.ID,
			"status", string(tx.Status),
			"error", err,
		)
	}
}

func safeResult(tx *domain.Transaction) *domain.FraudAnalysisResult {
	return &domain.FraudAnalysisResult{
		TransactionID: tx.ID,
		FraudScore:    UnknownAccountScore,
		RiskLevel:     UnknownAccountRisk,
		Alerts:        []*domain.FraudAlert{},
		RuleResults:   []domain.RuleEvaluationResult{},
	}
}
