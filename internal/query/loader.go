package query

import (
	"context"
	"sync"
	"time"

	"github.com/graph-gophers/dataloader/v7"
	"github.com/opensource-finance/harrier/internal/domain"
)

type ctxKey string

const loadersKey = ctxKey("dataloaders")

// Loaders holds request-scoped batch loaders. Latest-score loads issued
// within the wait window collapse into one GetLatestScores query.
type Loaders struct {
	repo domain.Repository

	mu     sync.Mutex
	scores map[string]*dataloader.Loader[string, *domain.FraudScore]
}

// NewLoaders creates an empty loader set.
func NewLoaders(repo domain.Repository) *Loaders {
	return &Loaders{
		repo:   repo,
		scores: make(map[string]*dataloader.Loader[string, *domain.FraudScore]),
	}
}

// WithLoaders attaches a fresh loader set to ctx.
func WithLoaders(ctx context.Context, repo domain.Repository) context.Context {
	return context.WithValue(ctx, loadersKey, NewLoaders(repo))
}

// For returns the loaders attached to ctx, or nil.
func For(ctx context.Context) *Loaders {
	loaders, _ := ctx.Value(loadersKey).(*Loaders)
	return loaders
}

// ScoreLoader returns the tenant's latest-score loader. A transaction
// without a score resolves to domain.ErrNotFound.
func (l *Loaders) ScoreLoader(tenantID string) *dataloader.Loader[string, *domain.FraudScore] {
	l.mu.Lock()
	defer l.mu.Unlock()

	if loader, ok := l.scores[tenantID]; ok {
		return loader
	}

	reader := &scoreReader{repo: l.repo, tenantID: tenantID}
	loader := dataloader.NewBatchedLoader(reader.getScores, dataloader.WithWait[string, *domain.FraudScore](time.Millisecond))
	l.scores[tenantID] = loader
	return loader
}

type scoreReader struct {
	repo     domain.Repository
	tenantID string
}

func (r *scoreReader) getScores(ctx context.Context, txIDs []string) []*dataloader.Result[*domain.FraudScore] {
	scores, err := r.repo.GetLatestScores(ctx, r.tenantID, txIDs)
	if err != nil {
		return handleError[*domain.FraudScore](len(txIDs), err)
	}

	results := make([]*dataloader.Result[*domain.FraudScore], len(txIDs))
	for i, id := range txIDs {
		if score, ok := scores[id]; ok {
			results[i] = &dataloader.Result[*domain.FraudScore]{Data: score}
		} else {
			results[i] = &dataloader.Result[*domain.FraudScore]{Error: domain.ErrNotFound}
		}
	}
	return results
}

// handleError repeats err for every requested key.
func handleError[T any](itemsLength int, err error) []*dataloader.Result[T] {
	result := make([]*dataloader.Result[T], itemsLength)
	for i := 0; i < itemsLength; i++ {
		result[i] = &dataloader.Result[T]{Error: err}
	}
	return result
}
