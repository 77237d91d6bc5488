package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// SaveForecast replaces the stored forecast for a product.
func (r *SQLRepository) SaveForecast(ctx context.Context, tenantID string, f *domain.ProductForecast) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if f.ProductID == "" {
		return fmt.Errorf("%w: product id is required", ErrInvalidInput)
	}

	points, err := json.Marshal(f.Points)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	query := `
		INSERT INTO product_forecasts (
			tenant_id, product_id, horizon_days, points, model_version, generated_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, product_id) DO UPDATE SET
			horizon_days = excluded.horizon_days,
			points = excluded.points,
			model_version = excluded.model_version,
			generated_at = excluded.generated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		tenantID, f.ProductID, f.HorizonDays, string(points), f.ModelVersion, f.GeneratedAt.UTC(),
	)
	if err != nil {
		return writeFailed("save forecast", err)
	}
	return nil
}

// GetForecast retrieves the latest forecast for a product.
func (r *SQLRepository) GetForecast(ctx context.Context, tenantID string, productID string) (*domain.ProductForecast, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT tenant_id, product_id, horizon_days, points, model_version, generated_at
		FROM product_forecasts
		WHERE tenant_id = ? AND product_id = ?
	`

	var f domain.ProductForecast
	var points string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, productID).Scan(
		&f.TenantID, &f.ProductID, &f.HorizonDays, &points, &f.ModelVersion, &f.GeneratedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, readFailed("get forecast", err)
	}

	if err := json.Unmarshal([]byte(points), &f.Points); err != nil {
		return nil, fmt.Errorf("failed to parse forecast points: %w", err)
	}
	return &f, nil
}

// SaveRestockRecommendation inserts or replaces a recommendation.
func (r *SQLRepository) SaveRestockRecommendation(ctx context.Context, tenantID string, rec *domain.RestockRecommendation) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("%w: %w: %q", ErrInvalidInput, domain.ErrInvalidStatus, rec.Status)
	}

	query := `
		INSERT INTO restock_recommendations (
			id, tenant_id, product_id, current_stock, recommended_quantity, status, notes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			current_stock = excluded.current_stock,
			recommended_quantity = excluded.recommended_quantity,
			status = excluded.status,
			notes = excluded.notes,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, tenantID, rec.ProductID, rec.CurrentStock, rec.RecommendedQuantity,
		rec.Status, rec.Notes, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return writeFailed("save restock recommendation", err)
	}
	return nil
}

// ListRestockRecommendations returns recommendations, optionally by status.
func (r *SQLRepository) ListRestockRecommendations(ctx context.Context, tenantID string, status domain.RestockStatus) ([]*domain.RestockRecommendation, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, product_id, current_stock, recommended_quantity, status, notes, created_at, updated_at
		FROM restock_recommendations
		WHERE tenant_id = ?
	`
	args := []any{tenantID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, readFailed("list restock recommendations", err)
	}
	defer rows.Close()

	recs := make([]*domain.RestockRecommendation, 0)
	for rows.Next() {
		rec, err := scanRestock(rows)
		if err != nil {
			return nil, readFailed("scan restock recommendation", err)
		}
		recs = append(recs, rec)
	}

	return recs, rows.Err()
}

// UpdateRestockRecommendation applies a warehouse decision.
func (r *SQLRepository) UpdateRestockRecommendation(ctx context.Context, tenantID string, recID string, update *domain.RestockUpdate) (*domain.RestockRecommendation, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if update == nil || !update.Status.Valid() {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, domain.ErrInvalidStatus)
	}

	var quantity, notes any
	if update.Quantity != nil {
		quantity = *update.Quantity
	}
	if update.Notes != nil {
		notes = *update.Notes
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, writeFailed("update restock recommendation", err)
	}
	defer dbTx.Rollback()

	// Omitted fields keep their stored value.
	query := `
		UPDATE restock_recommendations
		SET status = ?,
			recommended_quantity = COALESCE(?, recommended_quantity),
			notes = COALESCE(?, notes),
			updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`
	res, err := dbTx.ExecContext(ctx, r.rebind(query),
		update.Status, quantity, notes, time.Now().UTC(), tenantID, recID,
	)
	if err != nil {
		return nil, writeFailed("update restock recommendation", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, writeFailed("update restock recommendation", err)
	} else if n == 0 {
		return nil, ErrNotFound
	}

	query = `
		SELECT id, tenant_id, product_id, current_stock, recommended_quantity, status, notes, created_at, updated_at
		FROM restock_recommendations
		WHERE tenant_id = ? AND id = ?
	`
	rec, err := scanRestock(dbTx.QueryRowContext(ctx, r.rebind(query), tenantID, recID))
	if err != nil {
		return nil, readFailed("get restock recommendation", err)
	}

	if err := dbTx.Commit(); err != nil {
		return nil, writeFailed("update restock recommendation", err)
	}
	return rec, nil
}

func scanRestock(row rowScanner) (*domain.RestockRecommendation, error) {
	var rec domain.RestockRecommendation
	if err := row.Scan(
		&rec.ID, &rec.TenantID, &rec.ProductID, &rec.CurrentStock, &rec.RecommendedQuantity,
		&rec.Status, &rec.Notes, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &rec, nil
}
