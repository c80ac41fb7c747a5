package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SaveAnalysis writes the scored transaction, its alerts and the trigger
// counters of the rules that fired in a single database transaction.
// Trigger counters are incremented in SQL so concurrent analyses of the
// same rule do not lose updates.
func (r *SQLRepository) SaveAnalysis(ctx context.Context, batch *domain.AnalysisBatch) (err error) {
	if batch == nil || batch.Transaction == nil {
		return fmt.Errorf("%w: analysis batch has no transaction", ErrInvalidInput)
	}

	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin analysis transaction: %w", err)
	}
	defer func() {
		if err != nil {
			sqlTx.Rollback()
		}
	}()

	if err = r.saveTransaction(ctx, sqlTx, batch.Transaction); err != nil {
		return fmt.Errorf("failed to save transaction: %w", err)
	}

	for i, alert := range batch.Alerts {
		if err = r.insertAlert(ctx, sqlTx, alert, i); err != nil {
			return fmt.Errorf("failed to save alert %s: %w", alert.ID, err)
		}
	}

	for _, rule := range batch.TriggeredRules {
		if err = r.recordTrigger(ctx, sqlTx, rule); err != nil {
			return fmt.Errorf("failed to record trigger for rule %s: %w", rule.ID, err)
		}
	}

	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit analysis: %w", err)
	}
	return nil
}

func (r *SQLRepository) insertAlert(ctx context.Context, ex execer, a *domain.FraudAlert, seq int) error {
	query := `
		INSERT INTO fraud_alerts (
			id, transaction_id, rule_id, rule_name, risk_level, score,
			message, details, status, reviewed_by, reviewed_at, review_notes,
			seq, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var ruleID sql.NullString
	if a.RuleID != "" {
		ruleID = sql.NullString{String: a.RuleID, Valid: true}
	}

	_, err := ex.ExecContext(ctx, r.rebind(query),
		a.ID, a.TransactionID, ruleID, a.RuleName, int(a.RiskLevel), a.Score,
		a.Message, a.Details, string(a.Status), a.ReviewedBy, nullTime(a.ReviewedAt), a.ReviewNotes,
		seq, a.CreatedAt.UTC(),
	)
	return err
}

func (r *SQLRepository) recordTrigger(ctx context.Context, ex execer, rule *domain.FraudRule) error {
	query := `
		UPDATE fraud_rules
		SET times_triggered = times_triggered + 1,
			last_triggered_at = ?,
			updated_at = ?
		WHERE id = ?
	`

	res, err := ex.ExecContext(ctx, r.rebind(query), nullTime(rule.LastTriggeredAt), rule.UpdatedAt.UTC(), rule.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrNotFound)
	}
	return nil
}

// ListAlertsByTransaction returns a transaction's alerts in creation order.
func (r *SQLRepository) ListAlertsByTransaction(ctx context.Context, txID string) ([]*domain.FraudAlert, error) {
	query := `
		SELECT id, transaction_id, rule_id, rule_name, risk_level, score,
			   message, details, status, reviewed_by, reviewed_at, review_notes, created_at
		FROM fraud_alerts
		WHERE transaction_id = ?
		ORDER BY created_at ASC, seq ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := make([]*domain.FraudAlert, 0)
	for rows.Next() {
		var a domain.FraudAlert
		var ruleID, details, reviewedBy, notes sql.NullString
		var reviewedAt sql.NullTime
		var risk int
		var status string

		if err := rows.Scan(
			&a.ID, &a.TransactionID, &ruleID, &a.RuleName, &risk, &a.Score,
			&a.Message, &details, &status, &reviewedBy, &reviewedAt, &notes, &a.CreatedAt,
		); err != nil {
			return nil, err
		}

		a.RuleID = ruleID.String
		a.RiskLevel = domain.RiskLevel(risk)
		a.Details = details.String
		a.Status = domain.AlertStatus(status)
		a.ReviewedBy = reviewedBy.String
		a.ReviewedAt = timePtr(reviewedAt)
		a.ReviewNotes = notes.String
		alerts = append(alerts, &a)
	}

	return alerts, rows.Err()
}
