package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/casework"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/inventory"
	"github.com/opensource-finance/harrier/internal/query"
	"github.com/opensource-finance/harrier/internal/worker"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	cases     *casework.Service
	inventory *inventory.Service
	queries   *query.Service
	worker    *worker.Worker
	version   string
}

// Services are the components the API serves. Worker may be nil, which
// disables asynchronous submission.
type Services struct {
	Repo      domain.Repository
	Cache     domain.Cache
	Bus       domain.EventBus
	Cases     *casework.Service
	Inventory *inventory.Service
	Queries   *query.Service
	Worker    *worker.Worker
}

// NewHandler creates a new API handler.
func NewHandler(svc Services, version string) *Handler {
	return &Handler{
		repo:      svc.Repo,
		cache:     svc.Cache,
		bus:       svc.Bus,
		cases:     svc.Cases,
		inventory: svc.Inventory,
		queries:   svc.Queries,
		worker:    svc.Worker,
		version:   version,
	}
}

// Placeholders rendered for empty results.
const (
	PlaceholderNotScored = "Not Scored"
	PlaceholderNoData    = "No data"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string        `json:"status"`
	Version string        `json:"version"`
	Cache   *CacheStats   `json:"cache,omitempty"`
	Worker  *worker.Stats `json:"worker,omitempty"`
}

// CacheStats reports local cache occupancy.
type CacheStats struct {
	Size     int `json:"size"`
	Capacity int `json:"capacity"`
}

type statsCache interface {
	Stats() (size int, capacity int)
}

// ScoreResponse is the response for GET /transactions/{id}/score.
type ScoreResponse struct {
	Score *domain.FraudScore `json:"score"`
	Tier  domain.RiskTier    `json:"tier"`
}

// FeedbackRequest is the request body for POST /transactions/{id}/feedback.
type FeedbackRequest struct {
	IsFraud  bool   `json:"isFraud"`
	Feedback string `json:"feedback,omitempty"`
}

// SubmitTransaction handles POST /transactions. With ?async=true the
// transaction is queued for the worker and 202 is returned.
func (h *Handler) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req domain.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if r.URL.Query().Get("async") != "true" {
		result, err := h.cases.Submit(ctx, tenantID, &req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if h.worker == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "async submission is disabled",
		})
		return
	}
	if err := domain.Validate(&req); err != nil {
		writeError(w, err)
		return
	}

	tx := req.ToTransaction(tenantID)
	tx.ID = uuid.New().String()
	if err := h.worker.Enqueue(ctx, tx, GetTraceID(ctx)); err != nil {
		slog.Error("failed to enqueue transaction",
			"tx_id", tx.ID,
			"tenant_id", tenantID,
			"error", err,
		)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "failed to queue transaction",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"transactionId": tx.ID,
		"status":        "queued",
	})
}

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tx, err := h.repo.GetTransaction(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// GetScore runs the fraud-score query.
func (h *Handler) GetScore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	score, err := h.queries.LatestScore(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrNotFound) {
		writePlaceholder(w, PlaceholderNotScored)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ScoreResponse{Score: score, Tier: score.Tier()})
}

// SubmitFeedback forwards a verdict on a transaction to the scorer.
func (h *Handler) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	txID := chi.URLParam(r, "id")

	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := h.cases.Feedback(ctx, txID, req.IsFraud, req.Feedback); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "submitted",
	})
}

// ListCases runs the fraud-cases query.
func (h *Handler) ListCases(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter := domain.CaseFilter{Status: domain.CaseStatus(r.URL.Query().Get("status"))}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be an integer",
			})
			return
		}
		filter.Limit = limit
	}

	cases, err := h.queries.Cases(ctx, GetTenantID(ctx), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cases": cases,
		"count": len(cases),
	})
}

// GetCase retrieves a case by ID.
func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	c, err := h.repo.GetCase(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, query.CaseView{FraudCase: c, Tier: c.Tier()})
}

// UpdateCase applies a reviewer action.
func (h *Handler) UpdateCase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var update domain.CaseUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	update.Actor = GetActor(ctx)

	result, err := h.cases.UpdateCase(ctx, GetTenantID(ctx), chi.URLParam(r, "id"), &update)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListCaseEvents returns a case's audit trail.
func (h *Handler) ListCaseEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	events, err := h.repo.ListCaseEvents(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// GetStatistics runs the fraud-statistics query.
func (h *Handler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := h.queries.Statistics(ctx, GetTenantID(ctx))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetForecast runs the product-forecast query.
func (h *Handler) GetForecast(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	forecast, err := h.queries.Forecast(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrNotFound) {
		writePlaceholder(w, PlaceholderNoData)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, forecast)
}

// SaveForecast ingests a product forecast.
func (h *Handler) SaveForecast(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.ForecastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	forecast, err := h.inventory.SaveForecast(ctx, GetTenantID(ctx), chi.URLParam(r, "id"), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, forecast)
}

// ListRestockRecommendations runs the restock-recommendations query.
func (h *Handler) ListRestockRecommendations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := domain.RestockStatus(r.URL.Query().Get("status"))

	recs, err := h.queries.RestockRecommendations(ctx, GetTenantID(ctx), status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recommendations": recs,
		"count":           len(recs),
	})
}

// CreateRestockRecommendation ingests a pending recommendation.
func (h *Handler) CreateRestockRecommendation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.RestockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	rec, err := h.inventory.CreateRecommendation(ctx, GetTenantID(ctx), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// UpdateRestockRecommendation applies a warehouse decision.
func (h *Handler) UpdateRestockRecommendation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var update domain.RestockUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	rec, err := h.inventory.UpdateRecommendation(ctx, GetTenantID(ctx), chi.URLParam(r, "id"), &update)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy", Version: h.version}

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			resp.Status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			resp.Status = "degraded"
		}
		if sc, ok := h.cache.(statsCache); ok {
			size, capacity := sc.Stats()
			resp.Cache = &CacheStats{Size: size, Capacity: capacity}
		}
	}

	if h.worker != nil {
		stats := h.worker.GetStats()
		resp.Worker = &stats
	}

	writeJSON(w, http.StatusOK, resp)
}

// Ready reports whether the database and event bus are reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo != nil {
		if err := h.repo.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
				"error": "database unavailable",
			})
			return
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
				"error": "event bus unavailable",
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writePlaceholder(w http.ResponseWriter, placeholder string) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"error":       domain.ErrNotFound.Error(),
		"placeholder": placeholder,
	})
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidStatus), errors.Is(err, query.ErrDisabled):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrScoringUnavailable), errors.Is(err, domain.ErrFeedbackSubmissionFailed):
		status = http.StatusBadGateway
	case errors.Is(err, domain.ErrBackendUnavailable), errors.Is(err, domain.ErrPersistenceWriteFailed):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}
