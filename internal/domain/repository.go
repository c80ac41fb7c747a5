// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// AccountStore reads and writes accounts by business identifier.
type AccountStore interface {
	// GetAccount returns ErrNotFound if the account does not exist.
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	SaveAccount(ctx context.Context, account *Account) error
}

// TransactionHistory answers the history questions asked by conditions.
type TransactionHistory interface {
	// CountTransactionsSince counts the account's transactions with
	// since <= timestamp < until, excluding excludeID.
	CountTransactionsSince(ctx context.Context, accountID string, since, until time.Time, excludeID string) (int, error)

	// LatestTransactionSince returns the most recent transaction with
	// since <= timestamp < until other than excludeID, or nil if there is none.
	LatestTransactionSince(ctx context.Context, accountID string, since, until time.Time, excludeID string) (*Transaction, error)
}

// RuleStore persists fraud rules.
type RuleStore interface {
	SaveRule(ctx context.Context, rule *FraudRule) error
	// GetRule returns ErrNotFound if the rule does not exist.
	GetRule(ctx context.Context, ruleID string) (*FraudRule, error)
	// ListRules returns rules ordered by descending priority. Ties are
	// broken by creation time then id.
	ListRules(ctx context.Context, activeOnly bool) ([]*FraudRule, error)
	CountRules(ctx context.Context) (int, error)
}

// AnalysisSink flushes the writes of one analysis.
type AnalysisSink interface {
	SaveAnalysis(ctx context.Context, batch *AnalysisBatch) error
}

// Repository is the full persistence surface used by the service.
type Repository interface {
	AccountStore
	TransactionHistory
	RuleStore
	AnalysisSink

	SaveTransaction(ctx context.Context, tx *Transaction) error
	// GetTransaction returns ErrNotFound if the transaction does not exist.
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	ListAlertsByTransaction(ctx context.Context, txID string) ([]*FraudAlert, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `mapstructure:"driver"`

	// SQLite specific
	SQLitePath string `mapstructure:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDB       string `mapstructure:"postgres_db"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}
