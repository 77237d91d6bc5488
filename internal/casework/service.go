// Package casework runs the scoring pipeline and reviewer actions on cases.
package casework

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/lock"
	"github.com/opensource-finance/harrier/internal/policy"
	"github.com/opensource-finance/harrier/internal/query"
	"github.com/opensource-finance/harrier/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("harrier-casework")

// Scorer is the external fraud model.
type Scorer interface {
	Predict(ctx context.Context, tx *domain.Transaction) (*domain.Prediction, error)
	SubmitFeedback(ctx context.Context, transactionID string, isFraud bool, note string) error
}

// Invalidator clears cached reads after a mutation.
type Invalidator interface {
	Invalidate(ctx context.Context, tenantID string, m query.Mutation) error
}

// SubmitResult is the outcome of scoring one transaction.
type SubmitResult struct {
	Transaction *domain.Transaction `json:"transaction"`
	Score       *domain.FraudScore  `json:"score"`
	Tier        domain.RiskTier     `json:"tier"`
	Case        *domain.FraudCase   `json:"case,omitempty"`
	Warnings    []string            `json:"warnings,omitempty"`
}

// CaseResult is the outcome of a reviewer action.
type CaseResult struct {
	Case     *domain.FraudCase `json:"case"`
	Tier     domain.RiskTier   `json:"tier"`
	Warnings []string          `json:"warnings,omitempty"`
}

// Service coordinates the scorer, persistence and notifications.
type Service struct {
	repo    domain.Repository
	scorer  Scorer
	bus     domain.EventBus
	queries Invalidator
	gate    *policy.Gate
	locker  lock.Locker
}

// NewService creates a case service. A nil gate opens cases on the
// threshold alone and a nil locker falls back to an in-process lock.
func NewService(repo domain.Repository, scorer Scorer, eventBus domain.EventBus, queries Invalidator, gate *policy.Gate, locker lock.Locker) *Service {
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Service{
		repo:    repo,
		scorer:  scorer,
		bus:     eventBus,
		queries: queries,
		gate:    gate,
		locker:  locker,
	}
}

// Submit assigns an ID to a new transaction and scores it.
func (s *Service) Submit(ctx context.Context, tenantID string, req *domain.TransactionRequest) (*SubmitResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	if err := domain.Validate(req); err != nil {
		return nil, err
	}

	tx := req.ToTransaction(tenantID)
	tx.ID = uuid.New().String()
	return s.Process(ctx, tx)
}

// Process scores tx, records the transaction and its score, and opens a
// case when the score warrants one.
//
// A scoring failure returns before anything is written. Transaction and
// score write failures are logged and reported as warnings; a failure to
// open the case is returned.
func (s *Service) Process(ctx context.Context, tx *domain.Transaction) (*SubmitResult, error) {
	ctx, span := tracer.Start(ctx, "casework.Process")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", tx.TenantID),
		attribute.String("transaction.id", tx.ID),
	)

	start := time.Now()

	prediction, err := s.scorer.Predict(ctx, tx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scoring failed")
		slog.Error("scoring failed",
			"tx_id", tx.ID,
			"tenant_id", tx.TenantID,
			"error", err,
		)
		return nil, err
	}

	// Writes outlive the caller: a dropped request must not abort them.
	writeCtx := context.WithoutCancel(ctx)
	result := &SubmitResult{Transaction: tx}

	if err := s.repo.SaveTransaction(writeCtx, tx.TenantID, tx); err != nil {
		slog.Error("failed to save transaction",
			"tx_id", tx.ID,
			"tenant_id", tx.TenantID,
			"error", err,
		)
		result.Warnings = append(result.Warnings, err.Error())
	}

	score := &domain.FraudScore{
		ID:            uuid.New().String(),
		TenantID:      tx.TenantID,
		TransactionID: tx.ID,
		RiskScore:     prediction.RiskScore,
		Features:      prediction.Explanation,
		ModelVersion:  prediction.ModelVersion,
		CreatedAt:     time.Now().UTC(),
	}
	result.Score = score
	result.Tier = score.Tier()

	if err := s.repo.SaveScore(writeCtx, tx.TenantID, score); err != nil {
		slog.Error("failed to save score",
			"tx_id", tx.ID,
			"tenant_id", tx.TenantID,
			"error", err,
		)
		result.Warnings = append(result.Warnings, err.Error())
	}

	s.publish(writeCtx, tx.TenantID, domain.TopicScoreRecorded, score)
	s.publish(writeCtx, tx.TenantID, domain.TopicScoreUpdated, domain.ScoreUpdate{
		TransactionID: tx.ID,
		RiskScore:     score.RiskScore,
	})

	opened, err := s.openCase(writeCtx, tx, score)
	s.invalidate(writeCtx, tx.TenantID, query.MutationSubmit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "case open failed")
		slog.Error("failed to open case",
			"tx_id", tx.ID,
			"tenant_id", tx.TenantID,
			"error", err,
		)
		return nil, err
	}

	if opened != nil {
		result.Case = opened
		telemetry.CasesOpened.Inc()
		s.publish(writeCtx, tx.TenantID, domain.TopicCaseOpened, opened)
	}

	slog.Info("transaction scored",
		"tx_id", tx.ID,
		"tenant_id", tx.TenantID,
		"risk_score", score.RiskScore,
		"tier", result.Tier,
		"case_opened", opened != nil,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return result, nil
}

func (s *Service) openCase(ctx context.Context, tx *domain.Transaction, score *domain.FraudScore) (*domain.FraudCase, error) {
	if !s.allow(tx, score) {
		return nil, nil
	}

	release, err := s.locker.Lock(ctx, lock.Key(tx.TenantID, tx.ID))
	if err != nil {
		return nil, fmt.Errorf("%w: case-open lock: %w", domain.ErrPersistenceWriteFailed, err)
	}
	defer release()

	return s.repo.OpenCaseIfNeeded(ctx, tx.TenantID, tx.ID, score.RiskScore)
}

// allow applies the policy gate on top of the threshold. A policy that
// fails to evaluate leaves the threshold in charge.
func (s *Service) allow(tx *domain.Transaction, score *domain.FraudScore) bool {
	if !domain.ShouldOpenCase(score.RiskScore) {
		return false
	}
	if s.gate == nil {
		return true
	}

	amount, _ := tx.Amount.Float64()
	allowed, err := s.gate.Allow(policy.Input{
		RiskScore:     score.RiskScore,
		Amount:        amount,
		PaymentMethod: tx.PaymentMethod,
	})
	if err != nil {
		slog.Warn("case policy failed, using threshold",
			"tx_id", tx.ID,
			"expression", s.gate.Expression(),
			"error", err,
		)
		return true
	}
	return allowed
}

// UpdateCase applies a reviewer action. Verdicts are reported back to the
// scorer; a failed report is a warning, not an error.
func (s *Service) UpdateCase(ctx context.Context, tenantID, caseID string, update *domain.CaseUpdate) (*CaseResult, error) {
	if err := domain.Validate(update); err != nil {
		return nil, err
	}

	c, err := s.repo.UpdateCase(ctx, tenantID, caseID, update)
	if err != nil {
		return nil, err
	}

	writeCtx := context.WithoutCancel(ctx)
	s.invalidate(writeCtx, tenantID, query.MutationUpdateCase)
	telemetry.CaseTransitions.WithLabelValues(string(c.Status)).Inc()
	s.publish(writeCtx, tenantID, domain.TopicCaseUpdated, c)

	slog.Info("case updated",
		"case_id", c.ID,
		"tenant_id", tenantID,
		"status", c.Status,
		"actor", update.Actor,
	)

	result := &CaseResult{Case: c, Tier: c.Tier()}
	if !c.Status.Terminal() {
		return result, nil
	}

	isFraud := c.Status == domain.CaseStatusConfirmedFraud
	if err := s.scorer.SubmitFeedback(ctx, c.TransactionID, isFraud, c.Notes); err != nil {
		slog.Warn("feedback submission failed",
			"case_id", c.ID,
			"tx_id", c.TransactionID,
			"error", err,
		)
		result.Warnings = append(result.Warnings, err.Error())
	}
	return result, nil
}

// Feedback forwards a reviewer verdict on a transaction to the scorer.
func (s *Service) Feedback(ctx context.Context, txID string, isFraud bool, note string) error {
	if txID == "" {
		return fmt.Errorf("%w: transaction id is required", domain.ErrInvalidInput)
	}
	return s.scorer.SubmitFeedback(ctx, txID, isFraud, note)
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

func (s *Service) publish(ctx context.Context, tenantID, topic string, v any) {
	if s.bus == nil {
		return
	}

	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode event", "topic", topic, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, tenantID, topic, payload); err != nil {
		slog.Error("failed to publish event",
			"topic", topic,
			"tenant_id", tenantID,
			"error", err,
		)
	}
}
