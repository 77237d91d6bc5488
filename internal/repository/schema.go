package repository

// Schema definitions for the Harrier database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    order_id TEXT NOT NULL,
    payment_method TEXT NOT NULL,
    amount NUMERIC NOT NULL,
    customer_name TEXT NOT NULL,
    device_id TEXT,
    location_id TEXT,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(tenant_id, user_id);
CREATE INDEX IF NOT EXISTS idx_transactions_order ON transactions(tenant_id, order_id);
`

// Scores are append-only. A transaction may be rescored.
const schemaFraudScores = `
CREATE TABLE IF NOT EXISTS fraud_scores (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    transaction_id TEXT NOT NULL,
    risk_score REAL NOT NULL,
    features TEXT NOT NULL,
    model_version TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fraud_scores_tx ON fraud_scores(tenant_id, transaction_id, created_at);
`

// The unique index on (tenant_id, transaction_id) is the case-open gate:
// at most one case per transaction, whatever its status.
const schemaFraudCases = `
CREATE TABLE IF NOT EXISTS fraud_cases (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    transaction_id TEXT NOT NULL,
    status TEXT NOT NULL,
    risk_score REAL NOT NULL,
    assigned_to TEXT NOT NULL DEFAULT '',
    notes TEXT NOT NULL DEFAULT '',
    resolution TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_fraud_cases_tx ON fraud_cases(tenant_id, transaction_id);
CREATE INDEX IF NOT EXISTS idx_fraud_cases_status ON fraud_cases(tenant_id, status, created_at);
`

const schemaCaseEvents = `
CREATE TABLE IF NOT EXISTS case_events (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    case_id TEXT NOT NULL,
    from_status TEXT NOT NULL DEFAULT '',
    to_status TEXT NOT NULL,
    notes TEXT NOT NULL DEFAULT '',
    resolution TEXT NOT NULL DEFAULT '',
    actor TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_case_events_case ON case_events(tenant_id, case_id, created_at);
`

const schemaProductForecasts = `
CREATE TABLE IF NOT EXISTS product_forecasts (
    tenant_id TEXT NOT NULL,
    product_id TEXT NOT NULL,
    horizon_days INTEGER NOT NULL,
    points TEXT NOT NULL,
    model_version TEXT NOT NULL,
    generated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, product_id)
);
`

const schemaRestockRecommendations = `
CREATE TABLE IF NOT EXISTS restock_recommendations (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    product_id TEXT NOT NULL,
    current_stock INTEGER NOT NULL,
    recommended_quantity INTEGER NOT NULL,
    status TEXT NOT NULL,
    notes TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_restock_status ON restock_recommendations(tenant_id, status);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaFraudScores,
		schemaFraudCases,
		schemaCaseEvents,
		schemaProductForecasts,
		schemaRestockRecommendations,
	}
}
