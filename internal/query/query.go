// Package query serves dashboard reads through the tenant-scoped cache.
//
// Every read is keyed by operation name and parameters. Entries are served
// until they are older than the staleness window, mutations invalidate the
// operations they affect, and errors are never cached.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/graph-gophers/dataloader/v7"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/telemetry"
	"github.com/robfig/cron/v3"
)

// ErrDisabled is returned without executing when a required parameter is empty.
var ErrDisabled = errors.New("query disabled")

// Operation names a cached read.
type Operation string

const (
	OpFraudScore             Operation = "fraud-score"
	OpFraudCases             Operation = "fraud-cases"
	OpFraudStatistics        Operation = "fraud-statistics"
	OpProductForecast        Operation = "product-forecast"
	OpRestockRecommendations Operation = "restock-recommendations"
)

// Mutation names a write that invalidates cached reads.
type Mutation string

const (
	MutationSubmit        Mutation = "submit"
	MutationUpdateCase    Mutation = "updateCase"
	MutationUpdateRestock Mutation = "updateRestockRecommendation"
	MutationSaveForecast  Mutation = "saveForecast"
)

var invalidates = map[Mutation][]Operation{
	MutationSubmit:        {OpFraudScore, OpFraudCases, OpFraudStatistics},
	MutationUpdateCase:    {OpFraudCases, OpFraudStatistics},
	MutationUpdateRestock: {OpRestockRecommendations},
	MutationSaveForecast:  {OpProductForecast},
}

// Invalidates returns the operations a mutation clears.
func Invalidates(m Mutation) []Operation {
	return invalidates[m]
}

// CaseView is a case with its badge tier and the latest score of its
// transaction, which may differ from the snapshot after rescoring.
type CaseView struct {
	*domain.FraudCase
	Tier            domain.RiskTier `json:"tier"`
	LatestRiskScore *float64        `json:"latestRiskScore,omitempty"`
}

// Service runs cached reads.
type Service struct {
	repo        domain.Repository
	cache       domain.Cache
	staleAfter  time.Duration
	refreshSpec string
	cron        *cron.Cron
	now         func() time.Time

	mu      sync.RWMutex
	tenants map[string]struct{}

	genMu       sync.Mutex
	generations map[string]uint64
}

// NewService creates a query service.
func NewService(repo domain.Repository, cache domain.Cache, cfg domain.QueryConfig) *Service {
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}
	refreshSpec := cfg.StatisticsRefresh
	if refreshSpec == "" {
		refreshSpec = "@every 60s"
	}

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelInfo))

	return &Service{
		repo:        repo,
		cache:       cache,
		staleAfter:  staleAfter,
		refreshSpec: refreshSpec,
		cron:        cron.New(cron.WithChain(cron.Recover(cronLogger))),
		now:         time.Now,
		tenants:     make(map[string]struct{}),
		generations: make(map[string]uint64),
	}
}

type entry[T any] struct {
	FetchedAt time.Time `json:"fetchedAt"`
	Data      T         `json:"data"`
}

// load serves key from cache when fresh, otherwise runs fetch and caches
// its successful result.
func load[T any](ctx context.Context, s *Service, tenantID string, op Operation, params string, fetch func(context.Context) (T, error)) (T, error) {
	var zero T
	if tenantID == "" {
		return zero, ErrDisabled
	}
	s.track(tenantID)

	key := cacheKey(op, params)
	raw, err := s.cache.Get(ctx, tenantID, key)
	if err != nil {
		slog.Warn("query cache read failed", "operation", op, "error", err)
	}
	if raw != nil {
		var e entry[T]
		if err := json.Unmarshal(raw, &e); err == nil && s.now().Sub(e.FetchedAt) < s.staleAfter {
			telemetry.QueryLookups.WithLabelValues(string(op), "hit").Inc()
			return e.Data, nil
		}
	}

	telemetry.QueryLookups.WithLabelValues(string(op), "miss").Inc()
	gen := s.generation(tenantID, op)
	data, err := fetch(ctx)
	if err != nil {
		return zero, err
	}

	store(ctx, s, tenantID, op, key, gen, data)
	return data, nil
}

// store caches data read at generation gen. An invalidation that lands
// while the read was in flight wins: the entry is removed again so the
// pre-mutation result is never served.
func store[T any](ctx context.Context, s *Service, tenantID string, op Operation, key string, gen uint64, data T) {
	if s.generation(tenantID, op) != gen {
		return
	}
	raw, err := json.Marshal(entry[T]{FetchedAt: s.now(), Data: data})
	if err != nil {
		slog.Warn("query cache encode failed", "key", key, "error", err)
		return
	}
	if err := s.cache.Set(ctx, tenantID, key, raw, s.staleAfter); err != nil {
		slog.Warn("query cache write failed", "key", key, "error", err)
		return
	}
	if s.generation(tenantID, op) != gen {
		if err := s.cache.Delete(ctx, tenantID, key); err != nil {
			slog.Warn("query cache discard failed", "key", key, "error", err)
		}
	}
}

// LatestScore runs fraud-score.
func (s *Service) LatestScore(ctx context.Context, tenantID, txID string) (*domain.FraudScore, error) {
	if txID == "" {
		return nil, ErrDisabled
	}
	return load(ctx, s, tenantID, OpFraudScore, txID, func(ctx context.Context) (*domain.FraudScore, error) {
		return s.repo.GetLatestScore(ctx, tenantID, txID)
	})
}

// Cases runs fraud-cases. Latest scores are resolved through the
// request's batch loader.
func (s *Service) Cases(ctx context.Context, tenantID string, filter domain.CaseFilter) ([]*CaseView, error) {
	if err := domain.Validate(&filter); err != nil {
		return nil, err
	}
	if filter.Limit <= 0 {
		filter.Limit = domain.DefaultCaseLimit
	}

	params := fmt.Sprintf("status=%s:limit=%d", filter.Status, filter.Limit)
	return load(ctx, s, tenantID, OpFraudCases, params, func(ctx context.Context) ([]*CaseView, error) {
		cases, err := s.repo.ListCases(ctx, tenantID, filter)
		if err != nil {
			return nil, err
		}

		loaders := For(ctx)
		if loaders == nil {
			loaders = NewLoaders(s.repo)
		}
		loader := loaders.ScoreLoader(tenantID)

		thunks := make([]dataloader.Thunk[*domain.FraudScore], len(cases))
		for i, c := range cases {
			thunks[i] = loader.Load(ctx, c.TransactionID)
		}

		views := make([]*CaseView, len(cases))
		for i, c := range cases {
			views[i] = &CaseView{FraudCase: c, Tier: c.Tier()}
			score, err := thunks[i]()
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			views[i].LatestRiskScore = &score.RiskScore
		}
		return views, nil
	})
}

// Statistics runs fraud-statistics.
func (s *Service) Statistics(ctx context.Context, tenantID string) (*domain.Statistics, error) {
	return load(ctx, s, tenantID, OpFraudStatistics, "", func(ctx context.Context) (*domain.Statistics, error) {
		return s.repo.GetStatistics(ctx, tenantID)
	})
}

// Forecast runs product-forecast.
func (s *Service) Forecast(ctx context.Context, tenantID, productID string) (*domain.ProductForecast, error) {
	if productID == "" {
		return nil, ErrDisabled
	}
	return load(ctx, s, tenantID, OpProductForecast, productID, func(ctx context.Context) (*domain.ProductForecast, error) {
		return s.repo.GetForecast(ctx, tenantID, productID)
	})
}

// RestockRecommendations runs restock-recommendations.
func (s *Service) RestockRecommendations(ctx context.Context, tenantID string, status domain.RestockStatus) ([]*domain.RestockRecommendation, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: %w: %q", domain.ErrInvalidInput, domain.ErrInvalidStatus, status)
	}
	return load(ctx, s, tenantID, OpRestockRecommendations, "status="+string(status), func(ctx context.Context) ([]*domain.RestockRecommendation, error) {
		return s.repo.ListRestockRecommendations(ctx, tenantID, status)
	})
}

// Invalidate clears every operation affected by m.
func (s *Service) Invalidate(ctx context.Context, tenantID string, m Mutation) error {
	var errs []error
	for _, op := range Invalidates(m) {
		s.bump(tenantID, op)
		if err := s.cache.DeletePrefix(ctx, tenantID, string(op)+"|"); err != nil {
			errs = append(errs, fmt.Errorf("invalidate %s: %w", op, err))
		}
	}
	return errors.Join(errs...)
}

// InvalidateScore clears one transaction's fraud-score entry.
func (s *Service) InvalidateScore(ctx context.Context, tenantID, txID string) error {
	s.bump(tenantID, OpFraudScore)
	return s.cache.Delete(ctx, tenantID, cacheKey(OpFraudScore, txID))
}

// InvalidateScoreAll clears a transaction's fraud-score entry for every
// tenant served so far. Scorer pushes carry no tenant.
func (s *Service) InvalidateScoreAll(ctx context.Context, txID string) {
	for _, tenantID := range s.Tenants() {
		if err := s.InvalidateScore(ctx, tenantID, txID); err != nil {
			slog.Warn("score invalidation failed", "tenant_id", tenantID, "tx_id", txID, "error", err)
		}
	}
}

// Tenants returns the tenants served so far, sorted.
func (s *Service) Tenants() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenants := make([]string, 0, len(s.tenants))
	for t := range s.tenants {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)
	return tenants
}

// RefreshStatistics recomputes fraud-statistics for every tenant served
// so far. Failures keep the previous entry.
func (s *Service) RefreshStatistics(ctx context.Context) {
	for _, tenantID := range s.Tenants() {
		gen := s.generation(tenantID, OpFraudStatistics)
		stats, err := s.repo.GetStatistics(ctx, tenantID)
		if err != nil {
			slog.Warn("statistics refresh failed", "tenant_id", tenantID, "error", err)
			continue
		}
		store(ctx, s, tenantID, OpFraudStatistics, cacheKey(OpFraudStatistics, ""), gen, stats)
	}
}

// Start schedules the statistics refresh.
func (s *Service) Start() error {
	if _, err := s.cron.AddFunc(s.refreshSpec, func() {
		s.RefreshStatistics(context.Background())
	}); err != nil {
		return fmt.Errorf("failed to schedule statistics refresh: %w", err)
	}

	s.cron.Start()
	slog.Info("query refresh scheduled", "spec", s.refreshSpec)
	return nil
}

// Stop halts the scheduler. The returned context is done once running
// jobs finish.
func (s *Service) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Service) track(tenantID string) {
	s.mu.RLock()
	_, ok := s.tenants[tenantID]
	s.mu.RUnlock()
	if ok {
		return
	}

	s.mu.Lock()
	s.tenants[tenantID] = struct{}{}
	s.mu.Unlock()
}

// generation counts the invalidations of op for a tenant.
func (s *Service) generation(tenantID string, op Operation) uint64 {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return s.generations[tenantID+"|"+string(op)]
}

func (s *Service) bump(tenantID string, op Operation) {
	s.genMu.Lock()
	s.generations[tenantID+"|"+string(op)]++
	s.genMu.Unlock()
}

func cacheKey(op Operation, params string) string {
	return string(op) + "|" + params
}
