// Package worker runs asynchronous transaction submissions from the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/harrier/internal/casework"
	"github.com/opensource-finance/harrier/internal/domain"
)

// Processor scores a transaction and opens its case.
type Processor interface {
	Process(ctx context.Context, tx *domain.Transaction) (*casework.SubmitResult, error)
}

// Worker processes submitted transactions from the EventBus.
type Worker struct {
	bus       domain.EventBus
	processor Processor

	mu            sync.RWMutex
	tenants       map[string]struct{}
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs lists tenants with a dedicated subscription. Other tenants
	// go through the global subscription.
	TenantIDs []string
}

// TransactionMessage is the payload of domain.TopicTransactionSubmitted.
type TransactionMessage struct {
	Transaction *domain.Transaction `json:"transaction"`
	TraceID     string              `json:"traceId,omitempty"`
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, processor Processor) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		processor: processor,
		tenants:   make(map[string]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes the global worker and one worker per configured tenant.
func (w *Worker) Start(cfg Config) error {
	if err := w.subscribe(domain.GlobalTenant); err != nil {
		return err
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.subscribe(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
		w.mu.Lock()
		w.tenants[tenantID] = struct{}{}
		w.mu.Unlock()
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)
	return nil
}

func (w *Worker) subscribe(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicTransactionSubmitted, w.handleMessage)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Debug("worker subscribed",
		"tenant_id", tenantID,
		"topic", domain.TopicTransactionSubmitted,
	)
	return nil
}

// Enqueue publishes tx for asynchronous processing, on the tenant's own
// topic when it has a dedicated worker, otherwise on the global topic.
func (w *Worker) Enqueue(ctx context.Context, tx *domain.Transaction, traceID string) error {
	if tx.TenantID == "" || tx.ID == "" {
		return fmt.Errorf("%w: transaction needs tenant and id", domain.ErrInvalidInput)
	}

	payload, err := json.Marshal(TransactionMessage{Transaction: tx, TraceID: traceID})
	if err != nil {
		return fmt.Errorf("failed to encode transaction: %w", err)
	}

	target := domain.GlobalTenant
	w.mu.RLock()
	if _, ok := w.tenants[tx.TenantID]; ok {
		target = tx.TenantID
	}
	w.mu.RUnlock()

	return w.bus.Publish(ctx, target, domain.TopicTransactionSubmitted, payload)
}

// handleMessage runs the pipeline for one submission. Failures are logged;
// malformed messages are dropped since redelivery cannot fix them.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	w.mu.RLock()
	if w.ctx.Err() != nil {
		w.mu.RUnlock()
		return nil
	}
	w.wg.Add(1)
	w.mu.RUnlock()
	defer w.wg.Done()

	start := time.Now()

	var txMsg TransactionMessage
	if err := json.Unmarshal(msg.Payload, &txMsg); err != nil || txMsg.Transaction == nil {
		slog.Error("failed to parse transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return nil
	}

	tx := txMsg.Transaction
	if tx.TenantID == "" {
		tx.TenantID = msg.TenantID
	}
	if tx.TenantID == "" || tx.TenantID == domain.GlobalTenant {
		slog.Error("transaction message without tenant",
			"message_id", msg.ID,
			"tx_id", tx.ID,
		)
		return nil
	}

	traceID := txMsg.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	result, err := w.processor.Process(ctx, tx)
	if err != nil {
		slog.Error("async submission failed",
			"tx_id", tx.ID,
			"tenant_id", tx.TenantID,
			"trace_id", traceID,
			"error", err,
		)
		return nil
	}

	slog.Info("async submission processed",
		"tx_id", tx.ID,
		"tenant_id", tx.TenantID,
		"trace_id", traceID,
		"case_opened", result.Case != nil,
		"warnings", len(result.Warnings),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.mu.Lock()
	w.cancel()
	subs := w.subscriptions
	w.subscriptions = nil
	w.tenants = make(map[string]struct{})
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
