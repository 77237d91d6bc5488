// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/opensource-finance/harrier/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = domain.ErrInvalidInput
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
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

// SaveTransaction stores a transaction with tenant isolation.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if tx.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must not be negative", ErrInvalidInput)
	}

	query := `
		INSERT INTO transactions (
			id, tenant_id, user_id, order_id, payment_method, amount,
			customer_name, device_id, location_id, timestamp, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tenantID, tx.UserID, tx.OrderID, tx.PaymentMethod, tx.Amount,
		tx.CustomerName, tx.DeviceID, tx.LocationID,
		tx.Timestamp.UTC(), tx.CreatedAt.UTC(),
	)
	if err != nil {
		return writeFailed("save transaction", err)
	}
	return nil
}

// GetTransaction retrieves a transaction by ID with tenant isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, user_id, order_id, payment_method, amount,
			   customer_name, device_id, location_id, timestamp, created_at
		FROM transactions
		WHERE tenant_id = ? AND id = ?
	`

	var tx domain.Transaction
	var deviceID, locationID sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID).Scan(
		&tx.ID, &tx.TenantID, &tx.UserID, &tx.OrderID, &tx.PaymentMethod, &tx.Amount,
		&tx.CustomerName, &deviceID, &locationID, &tx.Timestamp, &tx.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, readFailed("get transaction", err)
	}

	tx.DeviceID = deviceID.String
	tx.LocationID = locationID.String
	return &tx, nil
}

// SaveScore appends a score. Earlier scores for the transaction are kept.
func (r *SQLRepository) SaveScore(ctx context.Context, tenantID string, score *domain.FraudScore) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if score.RiskScore < 0 || score.RiskScore > 1 {
		return fmt.Errorf("%w: risk score %v outside [0,1]", ErrInvalidInput, score.RiskScore)
	}

	features, err := json.Marshal(score.Features)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	query := `
		INSERT INTO fraud_scores (
			id, tenant_id, transaction_id, risk_score, features, model_version, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		score.ID, tenantID, score.TransactionID, score.RiskScore,
		string(features), score.ModelVersion, score.CreatedAt.UTC(),
	)
	if err != nil {
		return writeFailed("save score", err)
	}
	return nil
}

// latestScoreOrder ranks a transaction's scores newest first. Equal
// timestamps fall back to the id so single and batched reads agree.
const latestScoreOrder = "created_at DESC, id DESC"

// GetLatestScore returns the most recent score for a transaction.
func (r *SQLRepository) GetLatestScore(ctx context.Context, tenantID string, txID string) (*domain.FraudScore, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, transaction_id, risk_score, features, model_version, created_at
		FROM fraud_scores
		WHERE tenant_id = ? AND transaction_id = ?
		ORDER BY ` + latestScoreOrder + `
		LIMIT 1
	`

	score, err := scanScore(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, readFailed("get score", err)
	}
	return score, nil
}

// GetLatestScores returns the most recent score per transaction in one query.
// Transactions without a score are absent from the map.
func (r *SQLRepository) GetLatestScores(ctx context.Context, tenantID string, txIDs []string) (map[string]*domain.FraudScore, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	scores := make(map[string]*domain.FraudScore, len(txIDs))
	if len(txIDs) == 0 {
		return scores, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(txIDs)), ", ")
	query := `
		SELECT id, tenant_id, transaction_id, risk_score, features, model_version, created_at
		FROM fraud_scores
		WHERE tenant_id = ? AND transaction_id IN (` + placeholders + `)
		ORDER BY ` + latestScoreOrder + `
	`

	args := make([]any, 0, len(txIDs)+1)
	args = append(args, tenantID)
	for _, id := range txIDs {
		args = append(args, id)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, readFailed("get scores", err)
	}
	defer rows.Close()

	for rows.Next() {
		score, err := scanScore(rows)
		if err != nil {
			return nil, readFailed("scan score", err)
		}
		if _, seen := scores[score.TransactionID]; !seen {
			scores[score.TransactionID] = score
		}
	}

	return scores, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScore(row rowScanner) (*domain.FraudScore, error) {
	var s domain.FraudScore
	var features string

	if err := row.Scan(
		&s.ID, &s.TenantID, &s.TransactionID, &s.RiskScore,
		&features, &s.ModelVersion, &s.CreatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(features), &s.Features); err != nil {
		return nil, fmt.Errorf("failed to parse score features: %w", err)
	}
	return &s, nil
}

func writeFailed(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrPersistenceWriteFailed, op, err)
}

func readFailed(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrBackendUnavailable, op, err)
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
