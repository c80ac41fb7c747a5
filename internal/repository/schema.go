package repository

// Schema definitions for Kestrel database.
// Compatible with both SQLite and PostgreSQL. Decimal amounts are stored
// as TEXT to keep them exact on both drivers.

const schemaAccounts = `
CREATE TABLE IF NOT EXISTS accounts (
    account_id TEXT PRIMARY KEY,
    email TEXT NOT NULL,
    phone TEXT,
    registration_date TIMESTAMP NOT NULL,
    total_transactions INTEGER NOT NULL DEFAULT 0,
    average_amount TEXT NOT NULL DEFAULT '0',
    total_spent TEXT NOT NULL DEFAULT '0',
    last_latitude REAL,
    last_longitude REAL,
    last_country TEXT,
    last_city TEXT,
    last_ip_address TEXT,
    last_transaction_at TIMESTAMP,
    is_suspended INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// timestamp_ns mirrors timestamp as Unix nanoseconds so window queries
// compare integers on both drivers.
const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    amount TEXT NOT NULL,
    currency TEXT NOT NULL,
    type TEXT NOT NULL,
    status TEXT NOT NULL,
    merchant_id TEXT,
    merchant_name TEXT,
    merchant_category TEXT,
    latitude REAL NOT NULL,
    longitude REAL NOT NULL,
    country TEXT,
    city TEXT,
    ip_address TEXT,
    fraud_score REAL NOT NULL DEFAULT 0,
    risk_level INTEGER NOT NULL DEFAULT 0,
    device_id TEXT,
    description TEXT,
    timestamp TIMESTAMP NOT NULL,
    timestamp_ns BIGINT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_account_time ON transactions(account_id, timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);
`

const schemaFraudRules = `
CREATE TABLE IF NOT EXISTS fraud_rules (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 1,
    risk_level INTEGER NOT NULL,
    rule_type TEXT NOT NULL,
    priority INTEGER NOT NULL,
    conditions TEXT NOT NULL,
    times_triggered BIGINT NOT NULL DEFAULT 0,
    last_triggered_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fraud_rules_active ON fraud_rules(is_active, priority);
`

const schemaFraudAlerts = `
CREATE TABLE IF NOT EXISTS fraud_alerts (
    id TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL,
    rule_id TEXT,
    rule_name TEXT NOT NULL,
    risk_level INTEGER NOT NULL,
    score REAL NOT NULL,
    message TEXT NOT NULL,
    details TEXT,
    status TEXT NOT NULL,
    reviewed_by TEXT,
    reviewed_at TIMESTAMP,
    review_notes TEXT,
    seq INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fraud_alerts_transaction ON fraud_alerts(transaction_id);
CREATE INDEX IF NOT EXISTS idx_fraud_alerts_status ON fraud_alerts(status);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaAccounts,
		schemaTransactions,
		schemaFraudRules,
		schemaFraudAlerts,
	}
}
