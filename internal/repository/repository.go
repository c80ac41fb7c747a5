// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = domain.ErrValidation
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var dsn string
	switch cfg.Driver {
	case "sqlite":
		if err := ensureSQLiteDir(cfg.SQLitePath); err != nil {
			return nil, err
		}
		dsn = sqliteDSN(cfg.SQLitePath)
	case "postgres":
		dsn = postgresDSN(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", cfg.Driver, err)
	}

	// Each connection to :memory: would see its own empty database.
	if cfg.Driver == "sqlite" && cfg.SQLitePath == sqliteMemory {
		cfg.MaxOpenConns = 1
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// ----------------------------------------------------------------------------
// Accounts
// ----------------------------------------------------------------------------

// SaveAccount inserts or replaces an account.
func (r *SQLRepository) SaveAccount(ctx context.Context, a *domain.Account) error {
	if a == nil || a.AccountID == "" {
		return fmt.Errorf("%w: account id is required", ErrInvalidInput)
	}
	return r.saveAccount(ctx, r.db, a)
}

func (r *SQLRepository) saveAccount(ctx context.Context, ex execer, a *domain.Account) error {
	var lat, lon sql.NullFloat64
	var country, city, ip string
	if loc := a.LastKnownLocation; loc != nil {
		lat = sql.NullFloat64{Float64: loc.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: loc.Longitude, Valid: true}
		country, city, ip = loc.Country, loc.City, loc.IPAddress
	}

	query := `
		INSERT INTO accounts (
			account_id, email, phone, registration_date,
			total_transactions, average_amount, total_spent,
			last_latitude, last_longitude, last_country, last_city, last_ip_address,
			last_transaction_at, is_suspended, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			email = excluded.email,
			phone = excluded.phone,
			registration_date = excluded.registration_date,
			total_transactions = excluded.total_transactions,
			average_amount = excluded.average_amount,
			total_spent = excluded.total_spent,
			last_latitude = excluded.last_latitude,
			last_longitude = excluded.last_longitude,
			last_country = excluded.last_country,
			last_city = excluded.last_city,
			last_ip_address = excluded.last_ip_address,
			last_transaction_at = excluded.last_transaction_at,
			is_suspended = excluded.is_suspended,
			updated_at = excluded.updated_at
	`

	_, err := ex.ExecContext(ctx, r.rebind(query),
		a.AccountID, a.Email, a.Phone, a.RegistrationDate.UTC(),
		a.TotalTransactions, a.AverageTransactionAmount.String(), a.TotalSpent.String(),
		lat, lon, country, city, ip,
		nullTime(a.LastTransactionAt), boolToInt(a.IsSuspended),
		a.CreatedAt.UTC(), a.UpdatedAt.UTC(),
	)
	return err
}

// GetAccount retrieves an account by business identifier.
func (r *SQLRepository) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	query := `
		SELECT account_id, email, phone, registration_date,
			   total_transactions, average_amount, total_spent,
			   last_latitude, last_longitude, last_country, last_city, last_ip_address,
			   last_transaction_at, is_suspended, created_at, updated_at
		FROM accounts
		WHERE account_id = ?
	`

	var a domain.Account
	var phone, country, city, ip sql.NullString
	var lat, lon sql.NullFloat64
	var lastTx sql.NullTime
	var suspended int

	err := r.db.QueryRowContext(ctx, r.rebind(query), accountID).Scan(
		&a.AccountID, &a.Email, &phone, &a.RegistrationDate,
		&a.TotalTransactions, &a.AverageTransactionAmount, &a.TotalSpent,
		&lat, &lon, &country, &city, &ip,
		&lastTx, &suspended, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	a.Phone = phone.String
	if lat.Valid && lon.Valid {
		a.LastKnownLocation = &domain.Location{
			Latitude:  lat.Float64,
			Longitude: lon.Float64,
			Country:   country.String,
			City:      city.String,
			IPAddress: ip.String,
		}
	}
	a.LastTransactionAt = timePtr(lastTx)
	a.IsSuspended = suspended == 1

	return &a, nil
}

// ----------------------------------------------------------------------------
// Transactions
// ----------------------------------------------------------------------------

const transactionColumns = `
	id, account_id, amount, currency, type, status,
	merchant_id, merchant_name, merchant_category,
	latitude, longitude, country, city, ip_address,
	fraud_score, risk_level, device_id, description,
	timestamp, created_at, updated_at
`

// SaveTransaction inserts or replaces a transaction.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}
	return r.saveTransaction(ctx, r.db, tx)
}

func (r *SQLRepository) saveTransaction(ctx context.Context, ex execer, tx *domain.Transaction) error {
	query := `
		INSERT INTO transactions (
			id, account_id, amount, currency, type, status,
			merchant_id, merchant_name, merchant_category,
			latitude, longitude, country, city, ip_address,
			fraud_score, risk_level, device_id, description,
			timestamp, timestamp_ns, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = CASE
				WHEN transactions.status IN ('Approved', 'Declined', 'Cancelled') THEN transactions.status
				ELSE excluded.status
			END,
			fraud_score = excluded.fraud_score,
			risk_level = excluded.risk_level,
			updated_at = excluded.updated_at
	`

	_, err := ex.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.AccountID, tx.Amount.Amount.String(), tx.Amount.Currency, string(tx.Type), string(tx.Status),
		tx.Merchant.ID, tx.Merchant.Name, tx.Merchant.Category,
		tx.Location.Latitude, tx.Location.Longitude, tx.Location.Country, tx.Location.City, tx.Location.IPAddress,
		tx.FraudScore, int(tx.RiskLevel), tx.DeviceID, tx.Description,
		tx.Timestamp.UTC(), tx.Timestamp.UnixNano(), tx.CreatedAt.UTC(), tx.UpdatedAt.UTC(),
	)
	return err
}

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", txID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// CountTransactionsSince counts an account's transactions in [since, until)
// other than excludeID.
func (r *SQLRepository) CountTransactionsSince(ctx context.Context, accountID string, since, until time.Time, excludeID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM transactions
		WHERE account_id = ?
		  AND id <> ?
		  AND timestamp_ns >= ?
		  AND timestamp_ns < ?
	`

	var count int
	err := r.db.QueryRowContext(ctx, r.rebind(query), accountID, excludeID, since.UnixNano(), until.UnixNano()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return count, nil
}

// LatestTransactionSince returns the most recent transaction in [since, until)
// other than excludeID, or nil if there is none.
func (r *SQLRepository) LatestTransactionSince(ctx context.Context, accountID string, since, until time.Time, excludeID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE account_id = ?
		  AND id <> ?
		  AND timestamp_ns >= ?
		  AND timestamp_ns < ?
		ORDER BY timestamp_ns DESC, id DESC
		LIMIT 1
	`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), accountID, excludeID, since.UnixNano(), until.UnixNano()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var txType, status string
	var merchantID, merchantName, merchantCategory sql.NullString
	var country, city, ip, deviceID, description sql.NullString
	var risk int

	err := row.Scan(
		&tx.ID, &tx.AccountID, &tx.Amount.Amount, &tx.Amount.Currency, &txType, &status,
		&merchantID, &merchantName, &merchantCategory,
		&tx.Location.Latitude, &tx.Location.Longitude, &country, &city, &ip,
		&tx.FraudScore, &risk, &deviceID, &description,
		&tx.Timestamp, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.Type = domain.TransactionType(txType)
	tx.Status = domain.TransactionStatus(status)
	tx.Merchant = domain.Merchant{ID: merchantID.String, Name: merchantName.String, Category: merchantCategory.String}
	tx.Location.Country = country.String
	tx.Location.City = city.String
	tx.Location.IPAddress = ip.String
	tx.RiskLevel = domain.RiskLevel(risk)
	tx.DeviceID = deviceID.String
	tx.Description = description.String

	return &tx, nil
}

// ----------------------------------------------------------------------------
// Rules
// ----------------------------------------------------------------------------

const ruleColumns = `
	id, name, description, is_active, risk_level, rule_type, priority,
	conditions, times_triggered, last_triggered_at, created_at, updated_at
`

// SaveRule inserts or replaces a rule.
func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.FraudRule) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO fraud_rules (
			id, name, description, is_active, risk_level, rule_type, priority,
			conditions, times_triggered, last_triggered_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			is_active = excluded.is_active,
			risk_level = excluded.risk_level,
			rule_type = excluded.rule_type,
			priority = excluded.priority,
			conditions = excluded.conditions,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, boolToInt(rule.IsActive), int(rule.RiskLevel), rule.RuleType, rule.Priority,
		string(rule.Conditions), rule.TimesTriggered, nullTime(rule.LastTriggeredAt),
		rule.CreatedAt.UTC(), rule.UpdatedAt.UTC(),
	)
	return err
}

// GetRule retrieves a rule by ID.
func (r *SQLRepository) GetRule(ctx context.Context, ruleID string) (*domain.FraudRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM fraud_rules WHERE id = ?`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", ruleID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// ListRules returns rules by descending priority, oldest first within a priority.
func (r *SQLRepository) ListRules(ctx context.Context, activeOnly bool) ([]*domain.FraudRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM fraud_rules`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY priority DESC, created_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, r.rebind(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := make([]*domain.FraudRule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// CountRules returns the number of stored rules, active or not.
func (r *SQLRepository) CountRules(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fraud_rules`).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func scanRule(row rowScanner) (*domain.FraudRule, error) {
	var rule domain.FraudRule
	var active, risk int
	var conditions string
	var lastTriggered sql.NullTime

	err := row.Scan(
		&rule.ID, &rule.Name, &rule.Description, &active, &risk, &rule.RuleType, &rule.Priority,
		&conditions, &rule.TimesTriggered, &lastTriggered, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.IsActive = active == 1
	rule.RiskLevel = domain.RiskLevel(risk)
	rule.Conditions = []byte(conditions)
	rule.LastTriggeredAt = timePtr(lastTriggered)

	return &rule, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	result := make([]byte, 0, len(query)+8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = strconv.AppendInt(result, int64(n), 10)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
