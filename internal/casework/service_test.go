package casework

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/policy"
	"github.com/opensource-finance/harrier/internal/query"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/scorer"
	"github.com/shopspring/decimal"
)

const tenantID = "tenant-001"

type feedbackCall struct {
	txID    string
	isFraud bool
	note    string
}

type fakeScorer struct {
	mu          sync.Mutex
	score       float64
	err         error
	feedbackErr error
	predicts    int
	feedback    []feedbackCall
}

func (f *fakeScorer) Predict(ctx context.Context, tx *domain.Transaction) (*domain.Prediction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.predicts++
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Prediction{TransactionID: tx.ID, RiskScore: f.score, ModelVersion: "gnn-v1"}, nil
}

func (f *fakeScorer) SubmitFeedback(ctx context.Context, txID string, isFraud bool, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feedback = append(f.feedback, feedbackCall{txID, isFraud, note})
	return f.feedbackErr
}

type testEnv struct {
	svc     *Service
	repo    *repository.SQLRepository
	queries *query.Service
	bus     *bus.ChannelBus
}

func newTestEnv(t *testing.T, s Scorer, gate *policy.Gate) *testEnv {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "harrier-casework-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	queries := query.NewService(repo, cache.NewLRUCache(100), domain.QueryConfig{})

	return &testEnv{
		svc:     NewService(repo, s, eventBus, queries, gate, nil),
		repo:    repo,
		queries: queries,
		bus:     eventBus,
	}
}

func sampleRequest() *domain.TransactionRequest {
	return &domain.TransactionRequest{
		UserID:        "user-1",
		OrderID:       "order-1",
		PaymentMethod: "credit_card",
		Amount:        decimal.RequireFromString("299.99"),
		CustomerName:  "Jane Doe",
	}
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("HighScoreOpensCase", func(t *testing.T) {
		env := newTestEnv(t, &fakeScorer{score: 0.87}, nil)

		result, err := env.svc.Submit(ctx, tenantID, sampleRequest())
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if result.Case == nil {
			t.Fatal("expected a case to be opened")
		}
		if result.Case.Status != domain.CaseStatusPendingReview {
			t.Errorf("expected pending-review, got %s", result.Case.Status)
		}
		if result.Tier != domain.TierCritical {
			t.Errorf("expected Critical tier, got %s", result.Tier)
		}
		if len(result.Warnings) != 0 {
			t.Errorf("expected no warnings, got %v", result.Warnings)
		}

		stored, err := env.repo.GetTransaction(ctx, tenantID, result.Transaction.ID)
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}
		if !stored.Amount.Equal(decimal.RequireFromString("299.99")) {
			t.Errorf("expected amount 299.99, got %s", stored.Amount)
		}

		score, err := env.repo.GetLatestScore(ctx, tenantID, result.Transaction.ID)
		if err != nil {
			t.Fatalf("GetLatestScore failed: %v", err)
		}
		if score.RiskScore != 0.87 {
			t.Errorf("expected 0.87, got %v", score.RiskScore)
		}
	})

	t.Run("ThresholdDoesNotOpenCase", func(t *testing.T) {
		env := newTestEnv(t, &fakeScorer{score: 0.5}, nil)

		result, err := env.svc.Submit(ctx, tenantID, sampleRequest())
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if result.Case != nil {
			t.Error("expected no case at exactly 0.5")
		}
		if result.Score == nil || result.Score.RiskScore != 0.5 {
			t.Error("expected score to be recorded")
		}
	})

	t.Run("ScoringFailureWritesNothing", func(t *testing.T) {
		scoringErr := fmt.Errorf("%w: connection refused", domain.ErrScoringUnavailable)
		env := newTestEnv(t, &fakeScorer{err: scoringErr}, nil)

		_, err := env.svc.Submit(ctx, tenantID, sampleRequest())
		if !errors.Is(err, domain.ErrScoringUnavailable) {
			t.Fatalf("expected ErrScoringUnavailable, got %v", err)
		}

		stats, err := env.repo.GetStatistics(ctx, tenantID)
		if err != nil {
			t.Fatalf("GetStatistics failed: %v", err)
		}
		if stats.HighRiskCount+stats.MediumRiskCount+stats.LowRiskCount != 0 {
			t.Errorf("expected no cases, got %+v", stats)
		}
	})

	t.Run("InvalidRequest", func(t *testing.T) {
		s := &fakeScorer{score: 0.9}
		env := newTestEnv(t, s, nil)

		req := sampleRequest()
		req.UserID = ""
		if _, err := env.svc.Submit(ctx, tenantID, req); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := env.svc.Submit(ctx, "", sampleRequest()); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for missing tenant, got %v", err)
		}
		if s.predicts != 0 {
			t.Errorf("expected scorer not to be called, got %d calls", s.predicts)
		}
	})

	t.Run("InvalidatesStatistics", func(t *testing.T) {
		env := newTestEnv(t, &fakeScorer{score: 0.87}, nil)

		stats, _ := env.queries.Statistics(ctx, tenantID)
		if stats.HighRiskCount != 0 {
			t.Fatalf("expected no cases, got %+v", stats)
		}

		if _, err := env.svc.Submit(ctx, tenantID, sampleRequest()); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}

		stats, _ = env.queries.Statistics(ctx, tenantID)
		if stats.HighRiskCount != 1 {
			t.Errorf("expected 1 high risk case after submit, got %d", stats.HighRiskCount)
		}
		if !stats.TotalAmount.Equal(decimal.RequireFromString("299.99")) {
			t.Errorf("expected total 299.99, got %s", stats.TotalAmount)
		}
	})

	t.Run("PublishesCaseOpened", func(t *testing.T) {
		env := newTestEnv(t, &fakeScorer{score: 0.87}, nil)

		received := make(chan *domain.FraudCase, 1)
		_, err := env.bus.Subscribe(ctx, tenantID, domain.TopicCaseOpened, func(ctx context.Context, msg *domain.Message) error {
			var c domain.FraudCase
			if err := json.Unmarshal(msg.Payload, &c); err != nil {
				return err
			}
			received <- &c
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}

		result, err := env.svc.Submit(ctx, tenantID, sampleRequest())
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}

		select {
		case c := <-received:
			if c.TransactionID != result.Transaction.ID {
				t.Errorf("expected case for %s, got %s", result.Transaction.ID, c.TransactionID)
			}
		case <-time.After(2 * time.Second):
			t.Error("timeout waiting for case opened event")
		}
	})
}

func TestProcess(t *testing.T) {
	ctx := context.Background()

	t.Run("RescoreDoesNotDuplicate", func(t *testing.T) {
		s := &fakeScorer{score: 0.87}
		env := newTestEnv(t, s, nil)

		first, err := env.svc.Submit(ctx, tenantID, sampleRequest())
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}

		s.score = 0.95
		second, err := env.svc.Process(ctx, first.Transaction)
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if second.Case != nil {
			t.Error("expected no second case")
		}
		if len(second.Warnings) != 1 {
			t.Errorf("expected duplicate transaction warning, got %v", second.Warnings)
		}

		cases, _ := env.repo.ListCases(ctx, tenantID, domain.CaseFilter{})
		if len(cases) != 1 {
			t.Errorf("expected 1 case, got %d", len(cases))
		}
		latest, _ := env.repo.GetLatestScore(ctx, tenantID, first.Transaction.ID)
		if latest.RiskScore != 0.95 {
			t.Errorf("expected latest score 0.95, got %v", latest.RiskScore)
		}
	})

	t.Run("ConcurrentRescoring", func(t *testing.T) {
		env := newTestEnv(t, &fakeScorer{score: 0.8}, nil)

		tx := sampleRequest().ToTransaction(tenantID)
		tx.ID = "tx-concurrent"

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				env.svc.Process(ctx, tx)
			}()
		}
		wg.Wait()

		cases, _ := env.repo.ListCases(ctx, tenantID, domain.CaseFilter{})
		if len(cases) != 1 {
			t.Errorf("expected exactly 1 case, got %d", len(cases))
		}
	})

	t.Run("PolicyNarrows", func(t *testing.T) {
		gate, err := policy.New("risk_score > 0.5 && amount > 1000.0")
		if err != nil {
			t.Fatalf("policy.New failed: %v", err)
		}
		env := newTestEnv(t, &fakeScorer{score: 0.87}, gate)

		result, err := env.svc.Submit(ctx, tenantID, sampleRequest())
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if result.Case != nil {
			t.Error("expected policy to suppress the case")
		}
	})

	t.Run("PolicyCannotWiden", func(t *testing.T) {
		gate, err := policy.New("true")
		if err != nil {
			t.Fatalf("policy.New failed: %v", err)
		}
		env := newTestEnv(t, &fakeScorer{score: 0.3}, gate)

		result, err := env.svc.Submit(ctx, tenantID, sampleRequest())
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if result.Case != nil {
			t.Error("expected no case below the threshold")
		}
	})
}

func TestUpdateCase(t *testing.T) {
	ctx := context.Background()

	open := func(t *testing.T, env *testEnv) *domain.FraudCase {
		t.Helper()
		result, err := env.svc.Submit(ctx, tenantID, sampleRequest())
		if err != nil || result.Case == nil {
			t.Fatalf("expected case, got %v", err)
		}
		return result.Case
	}

	t.Run("VerdictSendsFeedback", func(t *testing.T) {
		s := &fakeScorer{score: 0.87}
		env := newTestEnv(t, s, nil)
		c := open(t, env)

		notes := "chargeback received"
		result, err := env.svc.UpdateCase(ctx, tenantID, c.ID, &domain.CaseUpdate{
			Status: domain.CaseStatusConfirmedFraud,
			Notes:  &notes,
			Actor:  "analyst-1",
		})
		if err != nil {
			t.Fatalf("UpdateCase failed: %v", err)
		}
		if result.Case.Status != domain.CaseStatusConfirmedFraud {
			t.Errorf("expected confirmed-fraud, got %s", result.Case.Status)
		}
		if len(s.feedback) != 1 {
			t.Fatalf("expected 1 feedback call, got %d", len(s.feedback))
		}
		if got := s.feedback[0]; got.txID != c.TransactionID || !got.isFraud || got.note != notes {
			t.Errorf("unexpected feedback %+v", got)
		}
	})

	t.Run("FeedbackFailureIsWarning", func(t *testing.T) {
		s := &fakeScorer{score: 0.87, feedbackErr: fmt.Errorf("%w: 500", domain.ErrFeedbackSubmissionFailed)}
		env := newTestEnv(t, s, nil)
		c := open(t, env)

		result, err := env.svc.UpdateCase(ctx, tenantID, c.ID, &domain.CaseUpdate{Status: domain.CaseStatusMarkedSafe})
		if err != nil {
			t.Fatalf("expected update to succeed, got %v", err)
		}
		if len(result.Warnings) != 1 {
			t.Errorf("expected 1 warning, got %v", result.Warnings)
		}
		if s.feedback[0].isFraud {
			t.Error("marked-safe must report is_fraud=false")
		}

		stored, _ := env.repo.GetCase(ctx, tenantID, c.ID)
		if stored.Status != domain.CaseStatusMarkedSafe {
			t.Errorf("expected marked-safe to persist, got %s", stored.Status)
		}
	})

	t.Run("ReopenSkipsFeedback", func(t *testing.T) {
		s := &fakeScorer{score: 0.87}
		env := newTestEnv(t, s, nil)
		c := open(t, env)

		_, err := env.svc.UpdateCase(ctx, tenantID, c.ID, &domain.CaseUpdate{Status: domain.CaseStatusPendingReview})
		if err != nil {
			t.Fatalf("UpdateCase failed: %v", err)
		}
		if len(s.feedback) != 0 {
			t.Errorf("expected no feedback, got %d", len(s.feedback))
		}
	})

	t.Run("InvalidStatus", func(t *testing.T) {
		env := newTestEnv(t, &fakeScorer{score: 0.87}, nil)
		c := open(t, env)

		_, err := env.svc.UpdateCase(ctx, tenantID, c.ID, &domain.CaseUpdate{Status: "escalated"})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		env := newTestEnv(t, &fakeScorer{score: 0.87}, nil)

		_, err := env.svc.UpdateCase(ctx, tenantID, "missing", &domain.CaseUpdate{Status: domain.CaseStatusMarkedSafe})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

// TestScorerRoundTrip drives the pipeline through the HTTP scorer client.
func TestScorerRoundTrip(t *testing.T) {
	var feedback map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/predict":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{
				"transaction_id": "remote-1",
				"risk_score": 0.87,
				"explanation": {
					"feature_importance": {"amount": 0.4},
					"suspicious_connections": [{"entity_type": "device", "entity_id": "d-1", "risk_contribution": 0.3}],
					"risk_factors": ["new device"]
				}
			}`))
		case "/feedback":
			json.NewDecoder(r.Body).Decode(&feedback)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := scorer.NewClient(domain.ScorerConfig{BaseURL: server.URL, ModelVersion: "gnn-v1"})
	env := newTestEnv(t, client, nil)
	ctx := context.Background()

	result, err := env.svc.Submit(ctx, tenantID, sampleRequest())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if result.Case == nil || result.Case.RiskScore != 0.87 {
		t.Fatalf("expected case at 0.87, got %+v", result.Case)
	}
	if len(result.Score.Features.SuspiciousConnections) != 1 {
		t.Errorf("expected explanation to be stored, got %+v", result.Score.Features)
	}

	if _, err := env.svc.UpdateCase(ctx, tenantID, result.Case.ID, &domain.CaseUpdate{Status: domain.CaseStatusConfirmedFraud}); err != nil {
		t.Fatalf("UpdateCase failed: %v", err)
	}
	if feedback["transaction_id"] != result.Transaction.ID {
		t.Errorf("expected feedback for %s, got %v", result.Transaction.ID, feedback["transaction_id"])
	}
	if feedback["is_fraud"] != true {
		t.Errorf("expected is_fraud true, got %v", feedback["is_fraud"])
	}
}
