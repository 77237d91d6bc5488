// Package scorer is the HTTP client for the external fraud model.
//
// The client never fabricates a score: any transport failure, non-2xx
// status or malformed payload is reported as domain.ErrScoringUnavailable.
package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
)

var tracer = otel.Tracer("harrier-scorer")

// maxErrorBody bounds how much of an error response is echoed into errors.
const maxErrorBody = 512

// Client calls the scorer's predict and feedback endpoints.
type Client struct {
	BaseURL      string
	APIKey       string
	ModelVersion string
	HTTPClient   *http.Client
}

// NewClient creates a scorer client.
func NewClient(cfg domain.ScorerConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		APIKey:       cfg.APIKey,
		ModelVersion: cfg.ModelVersion,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// predictRequest is the scorer's wire format.
type predictRequest struct {
	UserID        string  `json:"user_id"`
	OrderID       string  `json:"order_id"`
	PaymentMethod string  `json:"payment_method"`
	Amount        float64 `json:"amount"`
	DeviceID      string  `json:"device_id,omitempty"`
	LocationID    string  `json:"location_id,omitempty"`
	CustomerName  string  `json:"customer_name"`
	Timestamp     string  `json:"timestamp"`
}

type predictResponse struct {
	TransactionID string   `json:"transaction_id"`
	RiskScore     *float64 `json:"risk_score"`
	ModelVersion  string   `json:"model_version"`
	Explanation   struct {
		FeatureImportance     map[string]float64 `json:"feature_importance"`
		SuspiciousConnections []struct {
			EntityType       string   `json:"entity_type"`
			EntityID         string   `json:"entity_id"`
			RiskContribution *float64 `json:"risk_contribution"`
		} `json:"suspicious_connections"`
		RiskFactors []string `json:"risk_factors"`
	} `json:"explanation"`
}

type feedbackRequest struct {
	TransactionID string `json:"transaction_id"`
	IsFraud       bool   `json:"is_fraud"`
	Feedback      string `json:"feedback,omitempty"`
}

// Predict scores a transaction. The returned prediction has passed
// domain.Prediction.Validate.
func (c *Client) Predict(ctx context.Context, tx *domain.Transaction) (*domain.Prediction, error) {
	ctx, span := tracer.Start(ctx, "scorer.Predict")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", tx.ID))

	ts := tx.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	reqPayload := predictRequest{
		UserID:        tx.UserID,
		OrderID:       tx.OrderID,
		PaymentMethod: tx.PaymentMethod,
		Amount:        tx.Amount.InexactFloat64(),
		DeviceID:      tx.DeviceID,
		LocationID:    tx.LocationID,
		CustomerName:  tx.CustomerName,
		Timestamp:     ts.UTC().Format(time.RFC3339),
	}

	var resp predictResponse
	if err := c.post(ctx, "/predict", reqPayload, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "predict failed")
		return nil, fmt.Errorf("%w: %w", domain.ErrScoringUnavailable, err)
	}

	prediction, err := c.toPrediction(tx.ID, &resp)
	if err != nil {
		telemetry.ScorerRequests.WithLabelValues("predict", "malformed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed prediction")
		return nil, fmt.Errorf("%w: %w: %w", domain.ErrScoringUnavailable, domain.ErrMalformedPrediction, err)
	}

	span.SetAttributes(attribute.Float64("risk.score", prediction.RiskScore))
	return prediction, nil
}

// SubmitFeedback reports a reviewer verdict back to the model.
func (c *Client) SubmitFeedback(ctx context.Context, transactionID string, isFraud bool, note string) error {
	ctx, span := tracer.Start(ctx, "scorer.SubmitFeedback")
	defer span.End()
	span.SetAttributes(
		attribute.String("transaction.id", transactionID),
		attribute.Bool("feedback.is_fraud", isFraud),
	)

	reqPayload := feedbackRequest{
		TransactionID: transactionID,
		IsFraud:       isFraud,
		Feedback:      note,
	}

	if err := c.post(ctx, "/feedback", reqPayload, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "feedback failed")
		return fmt.Errorf("%w: %w", domain.ErrFeedbackSubmissionFailed, err)
	}
	return nil
}

func (c *Client) toPrediction(txID string, resp *predictResponse) (*domain.Prediction, error) {
	if resp.RiskScore == nil {
		return nil, fmt.Errorf("risk_score missing")
	}

	p := &domain.Prediction{
		TransactionID: txID,
		RiskScore:     *resp.RiskScore,
		ModelVersion:  resp.ModelVersion,
		Explanation: domain.Explanation{
			FeatureImportance: resp.Explanation.FeatureImportance,
			RiskFactors:       resp.Explanation.RiskFactors,
		},
	}
	if p.ModelVersion == "" {
		p.ModelVersion = c.ModelVersion
	}
	if p.Explanation.FeatureImportance == nil {
		p.Explanation.FeatureImportance = map[string]float64{}
	}
	if p.Explanation.RiskFactors == nil {
		p.Explanation.RiskFactors = []string{}
	}

	p.Explanation.SuspiciousConnections = make([]domain.SuspiciousConnection, 0, len(resp.Explanation.SuspiciousConnections))
	for i, sc := range resp.Explanation.SuspiciousConnections {
		if sc.RiskContribution == nil {
			return nil, fmt.Errorf("suspicious connection %d missing risk_contribution", i)
		}
		p.Explanation.SuspiciousConnections = append(p.Explanation.SuspiciousConnections, domain.SuspiciousConnection{
			EntityType:       sc.EntityType,
			EntityID:         sc.EntityID,
			RiskContribution: *sc.RiskContribution,
		})
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// post sends a JSON request and decodes a 2xx response into out when non-nil.
func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	endpoint := strings.TrimPrefix(path, "/")
	start := time.Now()
	defer func() {
		telemetry.ScorerLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		telemetry.ScorerRequests.WithLabelValues(endpoint, "unreachable").Inc()
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		telemetry.ScorerRequests.WithLabelValues(endpoint, "http_error").Inc()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			telemetry.ScorerRequests.WithLabelValues(endpoint, "malformed").Inc()
			return fmt.Errorf("failed to decode %s response: %w", path, err)
		}
	}

	telemetry.ScorerRequests.WithLabelValues(endpoint, "ok").Inc()
	return nil
}

// WebSocketURL returns the push endpoint. An explicit override wins;
// otherwise the scheme of base is swapped (http to ws, https to wss) and
// the path set to /ws/updates.
func WebSocketURL(base, override string) (string, error) {
	if override != "" {
		return override, nil
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: scorer url: %v", domain.ErrInvalidInput, err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("%w: unsupported scorer url scheme %q", domain.ErrInvalidInput, u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/ws/updates"
	u.RawQuery = ""
	return u.String(), nil
}
