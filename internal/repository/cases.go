package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/shopspring/decimal"
)

var _ domain.Repository = (*SQLRepository)(nil)

const caseColumns = `id, tenant_id, transaction_id, status, risk_score, assigned_to, notes, resolution, created_at, updated_at`

// OpenCaseIfNeeded opens a pending-review case when riskScore strictly
// exceeds the threshold and no case exists yet for the transaction.
// The existence check and insert are one statement, so concurrent
// rescoring of the same transaction cannot produce duplicates.
func (r *SQLRepository) OpenCaseIfNeeded(ctx context.Context, tenantID string, txID string, riskScore float64) (*domain.FraudCase, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if txID == "" {
		return nil, fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}
	if !domain.ShouldOpenCase(riskScore) {
		return nil, nil
	}

	now := time.Now().UTC()
	c := &domain.FraudCase{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		TransactionID: txID,
		Status:        domain.CaseStatusPendingReview,
		RiskScore:     riskScore,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, writeFailed("open case", err)
	}
	defer dbTx.Rollback()

	query := `
		INSERT INTO fraud_cases (` + caseColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, transaction_id) DO NOTHING
	`

	result, err := dbTx.ExecContext(ctx, r.rebind(query),
		c.ID, tenantID, txID, c.Status, c.RiskScore,
		"", "", "", c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return nil, writeFailed("open case", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, writeFailed("open case", err)
	}
	if inserted == 0 {
		return nil, nil
	}

	event := &domain.CaseEvent{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		CaseID:    c.ID,
		ToStatus:  c.Status,
		Notes:     fmt.Sprintf("opened automatically at risk score %.4f", riskScore),
		Actor:     "system",
		CreatedAt: now,
	}
	if err := r.insertEvent(ctx, dbTx, event); err != nil {
		return nil, err
	}

	if err := dbTx.Commit(); err != nil {
		return nil, writeFailed("open case", err)
	}
	return c, nil
}

// UpdateCase applies a reviewer action. Any status may move to any other.
// Provided notes and resolution overwrite the row; the prior values remain
// in the case's event log.
func (r *SQLRepository) UpdateCase(ctx context.Context, tenantID string, caseID string, update *domain.CaseUpdate) (*domain.FraudCase, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if update == nil || !update.Status.Valid() {
		status := domain.CaseStatus("")
		if update != nil {
			status = update.Status
		}
		return nil, fmt.Errorf("%w: %w: %q", ErrInvalidInput, domain.ErrInvalidStatus, status)
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, writeFailed("update case", err)
	}
	defer dbTx.Rollback()

	query := `SELECT ` + caseColumns + ` FROM fraud_cases WHERE tenant_id = ? AND id = ?`
	c, err := scanCase(dbTx.QueryRowContext(ctx, r.rebind(query), tenantID, caseID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, readFailed("get case", err)
	}

	from := c.Status
	c.Status = update.Status
	if update.Notes != nil {
		c.Notes = *update.Notes
	}
	if update.Resolution != nil {
		c.Resolution = *update.Resolution
	}
	if update.AssignedTo != nil {
		c.AssignedTo = *update.AssignedTo
	}
	c.UpdatedAt = time.Now().UTC()

	query = `
		UPDATE fraud_cases
		SET status = ?, notes = ?, resolution = ?, assigned_to = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`
	if _, err := dbTx.ExecContext(ctx, r.rebind(query),
		c.Status, c.Notes, c.Resolution, c.AssignedTo, c.UpdatedAt,
		tenantID, caseID,
	); err != nil {
		return nil, writeFailed("update case", err)
	}

	event := &domain.CaseEvent{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		CaseID:     caseID,
		FromStatus: from,
		ToStatus:   c.Status,
		Notes:      c.Notes,
		Resolution: c.Resolution,
		Actor:      update.Actor,
		CreatedAt:  c.UpdatedAt,
	}
	if err := r.insertEvent(ctx, dbTx, event); err != nil {
		return nil, err
	}

	if err := dbTx.Commit(); err != nil {
		return nil, writeFailed("update case", err)
	}
	return c, nil
}

// GetCase retrieves a case by ID with tenant isolation.
func (r *SQLRepository) GetCase(ctx context.Context, tenantID string, caseID string) (*domain.FraudCase, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + caseColumns + ` FROM fraud_cases WHERE tenant_id = ? AND id = ?`
	c, err := scanCase(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, caseID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, readFailed("get case", err)
	}
	return c, nil
}

// ListCases returns cases newest first, optionally filtered by status.
func (r *SQLRepository) ListCases(ctx context.Context, tenantID string, filter domain.CaseFilter) ([]*domain.FraudCase, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: %w: %q", ErrInvalidInput, domain.ErrInvalidStatus, filter.Status)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = domain.DefaultCaseLimit
	}

	query := `SELECT ` + caseColumns + ` FROM fraud_cases WHERE tenant_id = ?`
	args := []any{tenantID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, readFailed("list cases", err)
	}
	defer rows.Close()

	cases := make([]*domain.FraudCase, 0)
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, readFailed("scan case", err)
		}
		cases = append(cases, c)
	}

	return cases, rows.Err()
}

// ListCaseEvents returns a case's audit trail, oldest first.
func (r *SQLRepository) ListCaseEvents(ctx context.Context, tenantID string, caseID string) ([]*domain.CaseEvent, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, case_id, from_status, to_status, notes, resolution, actor, created_at
		FROM case_events
		WHERE tenant_id = ? AND case_id = ?
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, caseID)
	if err != nil {
		return nil, readFailed("list case events", err)
	}
	defer rows.Close()

	events := make([]*domain.CaseEvent, 0)
	for rows.Next() {
		var e domain.CaseEvent
		if err := rows.Scan(
			&e.ID, &e.TenantID, &e.CaseID, &e.FromStatus, &e.ToStatus,
			&e.Notes, &e.Resolution, &e.Actor, &e.CreatedAt,
		); err != nil {
			return nil, readFailed("scan case event", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, readFailed("list case events", err)
	}

	if len(events) == 0 {
		if _, err := r.GetCase(ctx, tenantID, caseID); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// GetStatistics aggregates every case of the tenant. Amounts come from the
// originating transaction when it was recorded, otherwise from
// domain.SyntheticAmount.
func (r *SQLRepository) GetStatistics(ctx context.Context, tenantID string) (*domain.Statistics, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT c.risk_score, c.status, t.amount
		FROM fraud_cases c
		LEFT JOIN transactions t ON t.tenant_id = c.tenant_id AND t.id = c.transaction_id
		WHERE c.tenant_id = ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, readFailed("statistics", err)
	}
	defer rows.Close()

	stats := &domain.Statistics{TotalAmount: decimal.Zero}
	for rows.Next() {
		var c domain.FraudCase
		var amount decimal.NullDecimal
		if err := rows.Scan(&c.RiskScore, &c.Status, &amount); err != nil {
			return nil, readFailed("scan statistics", err)
		}
		if amount.Valid {
			stats.Add(&c, &amount.Decimal)
		} else {
			stats.Add(&c, nil)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, readFailed("statistics", err)
	}
	return stats, nil
}

func (r *SQLRepository) insertEvent(ctx context.Context, dbTx *sql.Tx, e *domain.CaseEvent) error {
	query := `
		INSERT INTO case_events (
			id, tenant_id, case_id, from_status, to_status, notes, resolution, actor, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := dbTx.ExecContext(ctx, r.rebind(query),
		e.ID, e.TenantID, e.CaseID, e.FromStatus, e.ToStatus,
		e.Notes, e.Resolution, e.Actor, e.CreatedAt,
	)
	if err != nil {
		return writeFailed("append case event", err)
	}
	return nil
}

func scanCase(row rowScanner) (*domain.FraudCase, error) {
	var c domain.FraudCase
	if err := row.Scan(
		&c.ID, &c.TenantID, &c.TransactionID, &c.Status, &c.RiskScore,
		&c.AssignedTo, &c.Notes, &c.Resolution, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &c, nil
}
