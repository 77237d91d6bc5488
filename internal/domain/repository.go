// Package domain defines the core interfaces and types for Harrier.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Transaction operations
	SaveTransaction(ctx context.Context, tenantID string, tx *Transaction) error
	GetTransaction(ctx context.Context, tenantID string, txID string) (*Transaction, error)

	// Score operations. Scores are append-only; the latest wins.
	SaveScore(ctx context.Context, tenantID string, score *FraudScore) error
	GetLatestScore(ctx context.Context, tenantID string, txID string) (*FraudScore, error)
	GetLatestScores(ctx context.Context, tenantID string, txIDs []string) (map[string]*FraudScore, error)

	// Case operations.
	// OpenCaseIfNeeded returns (nil, nil) when no case was opened, either
	// because the score is at or below CaseOpenThreshold or a case already
	// exists for the transaction.
	OpenCaseIfNeeded(ctx context.Context, tenantID string, txID string, riskScore float64) (*FraudCase, error)
	UpdateCase(ctx context.Context, tenantID string, caseID string, update *CaseUpdate) (*FraudCase, error)
	GetCase(ctx context.Context, tenantID string, caseID string) (*FraudCase, error)
	ListCases(ctx context.Context, tenantID string, filter CaseFilter) ([]*FraudCase, error)
	ListCaseEvents(ctx context.Context, tenantID string, caseID string) ([]*CaseEvent, error)
	GetStatistics(ctx context.Context, tenantID string) (*Statistics, error)

	// Inventory operations
	SaveForecast(ctx context.Context, tenantID string, forecast *ProductForecast) error
	GetForecast(ctx context.Context, tenantID string, productID string) (*ProductForecast, error)
	SaveRestockRecommendation(ctx context.Context, tenantID string, rec *RestockRecommendation) error
	ListRestockRecommendations(ctx context.Context, tenantID string, status RestockStatus) ([]*RestockRecommendation, error)
	UpdateRestockRecommendation(ctx context.Context, tenantID string, recID string, update *RestockUpdate) (*RestockRecommendation, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
