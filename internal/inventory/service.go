// Package inventory ingests demand forecasts and restock recommendations
// and applies warehouse decisions to them.
package inventory

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/query"
)

// Invalidator clears cached reads after a mutation.
type Invalidator interface {
	Invalidate(ctx context.Context, tenantID string, m query.Mutation) error
}

// Service writes inventory data.
type Service struct {
	repo    domain.Repository
	bus     domain.EventBus
	queries Invalidator
}

// NewService creates an inventory service.
func NewService(repo domain.Repository, eventBus domain.EventBus, queries Invalidator) *Service {
	return &Service{repo: repo, bus: eventBus, queries: queries}
}

// SaveForecast replaces the stored forecast for productID.
func (s *Service) SaveForecast(ctx context.Context, tenantID, productID string, req *domain.ForecastRequest) (*domain.ProductForecast, error) {
	if err := domain.Validate(req); err != nil {
		return nil, err
	}

	f := &domain.ProductForecast{
		TenantID:     tenantID,
		ProductID:    productID,
		HorizonDays:  req.HorizonDays,
		Points:       req.Points,
		ModelVersion: req.ModelVersion,
		GeneratedAt:  time.Now().UTC(),
	}
	if err := s.repo.SaveForecast(ctx, tenantID, f); err != nil {
		return nil, err
	}

	s.invalidate(ctx, tenantID, query.MutationSaveForecast)
	slog.Info("forecast saved",
		"tenant_id", tenantID,
		"product_id", productID,
		"points", len(f.Points),
	)
	return f, nil
}

// CreateRecommendation stores a new pending recommendation.
func (s *Service) CreateRecommendation(ctx context.Context, tenantID string, req *domain.RestockRequest) (*domain.RestockRecommendation, error) {
	if err := domain.Validate(req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := &domain.RestockRecommendation{
		ID:                  uuid.New().String(),
		TenantID:            tenantID,
		ProductID:           req.ProductID,
		CurrentStock:        req.CurrentStock,
		RecommendedQuantity: req.RecommendedQuantity,
		Status:              domain.RestockPending,
		Notes:               req.Notes,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.repo.SaveRestockRecommendation(ctx, tenantID, rec); err != nil {
		return nil, err
	}

	s.changed(ctx, tenantID, rec)
	return rec, nil
}

// UpdateRecommendation applies a warehouse decision.
func (s *Service) UpdateRecommendation(ctx context.Context, tenantID, recID string, update *domain.RestockUpdate) (*domain.RestockRecommendation, error) {
	if err := domain.Validate(update); err != nil {
		return nil, err
	}

	rec, err := s.repo.UpdateRestockRecommendation(ctx, tenantID, recID, update)
	if err != nil {
		return nil, err
	}

	s.changed(ctx, tenantID, rec)
	slog.Info("restock recommendation updated",
		"tenant_id", tenantID,
		"recommendation_id", recID,
		"status", rec.Status,
	)
	return rec, nil
}

func (s *Service) changed(ctx context.Context, tenantID string, rec *domain.RestockRecommendation) {
	s.invalidate(ctx, tenantID, query.MutationUpdateRestock)

	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		slog.Error("failed to encode restock event", "error", err)
		return
	}
	if err := s.bus.Publish(ctx, tenantID, domain.TopicRestockUpdated, payload); err != nil {
		slog.Error("failed to publish restock event",
			"tenant_id", tenantID,
			"recommendation_id", rec.ID,
			"error", err,
		)
	}
}

func (s *Service) invalidate(ctx context.Context, tenantID string, m query.Mutation) {
	if s.queries == nil {
		return
	}
	if err := s.queries.Invalidate(ctx, tenantID, m); err != nil {
		slog.Warn("cache invalidation failed",
			"tenant_id", tenantID,
			"mutation", m,
			"error", err,
		)
	}
}
