package query

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/repository"
)

const tenantID = "tenant-001"

// countingRepo counts batched score lookups.
type countingRepo struct {
	domain.Repository
	batches atomic.Int32
}

func (r *countingRepo) GetLatestScores(ctx context.Context, tenantID string, txIDs []string) (map[string]*domain.FraudScore, error) {
	r.batches.Add(1)
	return r.Repository.GetLatestScores(ctx, tenantID, txIDs)
}

// gatedRepo pauses ListCases after it has read its rows.
type gatedRepo struct {
	domain.Repository
	read    chan struct{}
	release chan struct{}
}

func (r *gatedRepo) ListCases(ctx context.Context, tenantID string, filter domain.CaseFilter) ([]*domain.FraudCase, error) {
	cases, err := r.Repository.ListCases(ctx, tenantID, filter)
	r.read <- struct{}{}
	<-r.release
	return cases, err
}

func newTestRepo(t *testing.T) *repository.SQLRepository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "harrier-query-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newTestService(t *testing.T, repo domain.Repository) (*Service, *time.Time) {
	t.Helper()
	svc := NewService(repo, cache.NewLRUCache(100), domain.QueryConfig{StaleAfter: 30 * time.Second})
	now := time.Now()
	svc.now = func() time.Time { return now }
	return svc, &now
}

func saveScore(t *testing.T, repo domain.Repository, txID string, score float64, at time.Time) {
	t.Helper()
	err := repo.SaveScore(context.Background(), tenantID, &domain.FraudScore{
		ID:            uuid.New().String(),
		TransactionID: txID,
		RiskScore:     score,
		ModelVersion:  "gnn-v1",
		CreatedAt:     at,
	})
	if err != nil {
		t.Fatalf("SaveScore failed: %v", err)
	}
}

func TestLatestScore(t *testing.T) {
	ctx := context.Background()

	t.Run("ServedWithinStalenessWindow", func(t *testing.T) {
		repo := newTestRepo(t)
		svc, now := newTestService(t, repo)
		base := time.Now().UTC()

		saveScore(t, repo, "tx-1", 0.3, base)
		first, err := svc.LatestScore(ctx, tenantID, "tx-1")
		if err != nil {
			t.Fatalf("LatestScore failed: %v", err)
		}
		if first.RiskScore != 0.3 {
			t.Errorf("expected 0.3, got %v", first.RiskScore)
		}

		saveScore(t, repo, "tx-1", 0.9, base.Add(time.Second))

		cached, _ := svc.LatestScore(ctx, tenantID, "tx-1")
		if cached.RiskScore != 0.3 {
			t.Errorf("expected cached 0.3 inside the window, got %v", cached.RiskScore)
		}

		*now = now.Add(31 * time.Second)
		fresh, _ := svc.LatestScore(ctx, tenantID, "tx-1")
		if fresh.RiskScore != 0.9 {
			t.Errorf("expected 0.9 after the window, got %v", fresh.RiskScore)
		}
	})

	t.Run("NotFoundIsNotCached", func(t *testing.T) {
		repo := newTestRepo(t)
		svc, _ := newTestService(t, repo)

		_, err := svc.LatestScore(ctx, tenantID, "tx-2")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}

		saveScore(t, repo, "tx-2", 0.6, time.Now().UTC())
		score, err := svc.LatestScore(ctx, tenantID, "tx-2")
		if err != nil {
			t.Fatalf("expected score after it was recorded, got %v", err)
		}
		if score.RiskScore != 0.6 {
			t.Errorf("expected 0.6, got %v", score.RiskScore)
		}
	})

	t.Run("InvalidateScore", func(t *testing.T) {
		repo := newTestRepo(t)
		svc, _ := newTestService(t, repo)
		base := time.Now().UTC()

		saveScore(t, repo, "tx-3", 0.2, base)
		_, _ = svc.LatestScore(ctx, tenantID, "tx-3")
		saveScore(t, repo, "tx-3", 0.7, base.Add(time.Second))

		svc.InvalidateScoreAll(ctx, "tx-3")

		score, _ := svc.LatestScore(ctx, tenantID, "tx-3")
		if score.RiskScore != 0.7 {
			t.Errorf("expected 0.7 after invalidation, got %v", score.RiskScore)
		}
	})
}

func TestDisabled(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	svc, _ := newTestService(t, repo)

	if _, err := svc.LatestScore(ctx, tenantID, ""); !errors.Is(err, ErrDisabled) {
		t.Errorf("expected ErrDisabled for empty transaction id, got %v", err)
	}
	if _, err := svc.Forecast(ctx, tenantID, ""); !errors.Is(err, ErrDisabled) {
		t.Errorf("expected ErrDisabled for empty product id, got %v", err)
	}
	if _, err := svc.Statistics(ctx, ""); !errors.Is(err, ErrDisabled) {
		t.Errorf("expected ErrDisabled for empty tenant, got %v", err)
	}
	if len(svc.Tenants()) != 0 {
		t.Errorf("disabled queries must not track tenants, got %v", svc.Tenants())
	}
}

func TestInvalidation(t *testing.T) {
	ctx := context.Background()

	t.Run("UpdateCaseClearsCasesAndStatistics", func(t *testing.T) {
		repo := newTestRepo(t)
		svc, _ := newTestService(t, repo)

		stats, _ := svc.Statistics(ctx, tenantID)
		cases, _ := svc.Cases(ctx, tenantID, domain.CaseFilter{})
		if stats.HighRiskCount != 0 || len(cases) != 0 {
			t.Fatal("expected empty tenant")
		}

		if _, err := repo.OpenCaseIfNeeded(ctx, tenantID, "tx-1", 0.8); err != nil {
			t.Fatalf("OpenCaseIfNeeded failed: %v", err)
		}

		stats, _ = svc.Statistics(ctx, tenantID)
		if stats.HighRiskCount != 0 {
			t.Error("expected stale statistics before invalidation")
		}

		if err := svc.Invalidate(ctx, tenantID, MutationUpdateCase); err != nil {
			t.Fatalf("Invalidate failed: %v", err)
		}

		stats, _ = svc.Statistics(ctx, tenantID)
		if stats.HighRiskCount != 1 {
			t.Errorf("expected 1 high risk case, got %d", stats.HighRiskCount)
		}
		cases, _ = svc.Cases(ctx, tenantID, domain.CaseFilter{})
		if len(cases) != 1 {
			t.Errorf("expected 1 case, got %d", len(cases))
		}
	})

	t.Run("RestockMutationLeavesCases", func(t *testing.T) {
		repo := newTestRepo(t)
		svc, _ := newTestService(t, repo)

		_, _ = svc.Cases(ctx, tenantID, domain.CaseFilter{})
		_, _ = repo.OpenCaseIfNeeded(ctx, tenantID, "tx-1", 0.8)

		_ = svc.Invalidate(ctx, tenantID, MutationUpdateRestock)

		cases, _ := svc.Cases(ctx, tenantID, domain.CaseFilter{})
		if len(cases) != 0 {
			t.Errorf("expected cached empty case list, got %d", len(cases))
		}
	})

	t.Run("InFlightReadDoesNotOutliveUpdate", func(t *testing.T) {
		sqlRepo := newTestRepo(t)
		opened, err := sqlRepo.OpenCaseIfNeeded(ctx, tenantID, "tx-1", 0.8)
		if err != nil {
			t.Fatalf("OpenCaseIfNeeded failed: %v", err)
		}

		repo := &gatedRepo{Repository: sqlRepo, read: make(chan struct{}), release: make(chan struct{})}
		svc, _ := newTestService(t, repo)
		pending := domain.CaseFilter{Status: domain.CaseStatusPendingReview}

		done := make(chan []*CaseView)
		go func() {
			views, _ := svc.Cases(ctx, tenantID, pending)
			done <- views
		}()

		<-repo.read
		if _, err := sqlRepo.UpdateCase(ctx, tenantID, opened.ID, &domain.CaseUpdate{
			Status: domain.CaseStatusMarkedSafe,
			Actor:  "reviewer",
		}); err != nil {
			t.Fatalf("UpdateCase failed: %v", err)
		}
		if err := svc.Invalidate(ctx, tenantID, MutationUpdateCase); err != nil {
			t.Fatalf("Invalidate failed: %v", err)
		}
		close(repo.release)

		if views := <-done; len(views) != 1 {
			t.Fatalf("expected the in-flight read to return its snapshot, got %d cases", len(views))
		}

		// The next read runs against the gated repo again, so drain it.
		go func() { <-repo.read }()
		views, err := svc.Cases(ctx, tenantID, pending)
		if err != nil {
			t.Fatalf("Cases failed: %v", err)
		}
		if len(views) != 0 {
			t.Errorf("expected no pending-review cases after invalidation, got %d", len(views))
		}
	})

	t.Run("Map", func(t *testing.T) {
		want := map[Mutation][]Operation{
			MutationUpdateCase:    {OpFraudCases, OpFraudStatistics},
			MutationUpdateRestock: {OpRestockRecommendations},
			MutationSubmit:        {OpFraudScore, OpFraudCases, OpFraudStatistics},
		}
		for m, ops := range want {
			got := Invalidates(m)
			if len(got) != len(ops) {
				t.Errorf("%s: expected %v, got %v", m, ops, got)
				continue
			}
			for i := range ops {
				if got[i] != ops[i] {
					t.Errorf("%s: expected %v, got %v", m, ops, got)
				}
			}
		}
	})
}

func TestCases(t *testing.T) {
	ctx := context.Background()
	sqlRepo := newTestRepo(t)
	repo := &countingRepo{Repository: sqlRepo}
	svc, _ := newTestService(t, repo)
	now := time.Now().UTC()

	for i, score := range []float64{0.9, 0.6, 0.55} {
		txID := []string{"tx-a", "tx-b", "tx-c"}[i]
		saveScore(t, sqlRepo, txID, score, now)
		if _, err := sqlRepo.OpenCaseIfNeeded(ctx, tenantID, txID, score); err != nil {
			t.Fatalf("OpenCaseIfNeeded failed: %v", err)
		}
	}
	// Rescored after the case opened.
	saveScore(t, sqlRepo, "tx-b", 0.95, now.Add(time.Second))
	// A case whose transaction never had a score recorded.
	if _, err := sqlRepo.OpenCaseIfNeeded(ctx, tenantID, "tx-d", 0.7); err != nil {
		t.Fatalf("OpenCaseIfNeeded failed: %v", err)
	}

	views, err := svc.Cases(WithLoaders(ctx, repo), tenantID, domain.CaseFilter{})
	if err != nil {
		t.Fatalf("Cases failed: %v", err)
	}
	if len(views) != 4 {
		t.Fatalf("expected 4 cases, got %d", len(views))
	}

	byTx := make(map[string]*CaseView)
	for _, v := range views {
		byTx[v.TransactionID] = v
	}

	if v := byTx["tx-b"]; v.LatestRiskScore == nil || *v.LatestRiskScore != 0.95 {
		t.Errorf("expected latest score 0.95 for tx-b, got %v", v.LatestRiskScore)
	}
	if byTx["tx-b"].RiskScore != 0.6 {
		t.Errorf("expected snapshot 0.6 for tx-b, got %v", byTx["tx-b"].RiskScore)
	}
	if byTx["tx-d"].LatestRiskScore != nil {
		t.Error("expected no latest score for unscored transaction")
	}
	if byTx["tx-a"].Tier != domain.TierCritical {
		t.Errorf("expected Critical tier for tx-a, got %s", byTx["tx-a"].Tier)
	}

	if repo.batches.Load() != 1 {
		t.Errorf("expected 1 batched score query, got %d", repo.batches.Load())
	}

	t.Run("InvalidFilter", func(t *testing.T) {
		_, err := svc.Cases(ctx, tenantID, domain.CaseFilter{Status: "escalated"})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestRefreshStatistics(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	svc, _ := newTestService(t, repo)

	if _, err := svc.Statistics(ctx, tenantID); err != nil {
		t.Fatalf("Statistics failed: %v", err)
	}
	_, _ = repo.OpenCaseIfNeeded(ctx, tenantID, "tx-1", 0.8)

	svc.RefreshStatistics(ctx)

	stats, _ := svc.Statistics(ctx, tenantID)
	if stats.HighRiskCount != 1 {
		t.Errorf("expected refreshed statistics, got %+v", stats)
	}
}

func TestScheduler(t *testing.T) {
	repo := newTestRepo(t)

	svc := NewService(repo, cache.NewLRUCache(10), domain.QueryConfig{})
	if err := svc.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-svc.Stop().Done()

	bad := NewService(repo, cache.NewLRUCache(10), domain.QueryConfig{StatisticsRefresh: "every now and then"})
	if err := bad.Start(); err == nil {
		t.Error("expected error for invalid schedule")
	}
}
