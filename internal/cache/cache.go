package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/redis/go-redis/v9"
)

// New creates the query cache: an in-process LRU for "memory", Redis for
// "redis", fronted by a local LRU when two-phase caching is enabled.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// invalidationChannel carries deletes between replicas so each one can
// drop its local copy.
const invalidationChannel = "harrier:cache:invalidate"

// TwoPhaseCache keeps a short-lived local LRU in front of Redis. Deletes
// are broadcast to every replica's L1.
type TwoPhaseCache struct {
	local  *LRUCache
	remote *RedisCache
	l1TTL  time.Duration
	origin string

	pubsub *redis.PubSub
	done   chan struct{}
}

type invalidation struct {
	Origin   string `json:"origin"`
	TenantID string `json:"tenantId"`
	Key      string `json:"key,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// NewTwoPhaseCache creates a two-phase cache with LRU + Redis and starts
// listening for other replicas' invalidations.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis cache: %w", err)
	}

	c := newTwoPhase(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.pubsub = remote.client.Subscribe(ctx, invalidationChannel)
	if _, err := c.pubsub.Receive(ctx); err != nil {
		c.pubsub.Close()
		remote.Close()
		return nil, fmt.Errorf("failed to subscribe to invalidations: %w", err)
	}

	c.done = make(chan struct{})
	go c.listen(c.pubsub.Channel())
	return c, nil
}

func newTwoPhase(local *LRUCache, remote *RedisCache, l1TTL time.Duration) *TwoPhaseCache {
	if l1TTL == 0 {
		l1TTL = 5 * time.Minute
	}
	return &TwoPhaseCache{
		local:  local,
		remote: remote,
		l1TTL:  l1TTL,
		origin: uuid.New().String(),
	}
}

// Get retrieves from L1 first, then L2. Populates L1 on L2 hit.
func (c *TwoPhaseCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	val, err := c.local.Get(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		return val, nil
	}

	val, err = c.remote.Get(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		_ = c.local.Set(ctx, tenantID, key, val, c.l1TTL)
	}
	return val, nil
}

// Set writes to both L1 and L2. L1 never outlives the caller's ttl.
func (c *TwoPhaseCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	l1TTL := c.l1TTL
	if ttl < l1TTL {
		l1TTL = ttl
	}
	if err := c.local.Set(ctx, tenantID, key, value, l1TTL); err != nil {
		return err
	}
	return c.remote.Set(ctx, tenantID, key, value, ttl)
}

// Delete removes key from both levels and from other replicas' L1.
func (c *TwoPhaseCache) Delete(ctx context.Context, tenantID string, key string) error {
	if err := c.local.Delete(ctx, tenantID, key); err != nil {
		return err
	}
	if err := c.remote.Delete(ctx, tenantID, key); err != nil {
		return err
	}
	return c.broadcast(ctx, invalidation{TenantID: tenantID, Key: key})
}

// DeletePrefix invalidates matching keys in both levels and in other
// replicas' L1.
func (c *TwoPhaseCache) DeletePrefix(ctx context.Context, tenantID string, prefix string) error {
	if err := c.local.DeletePrefix(ctx, tenantID, prefix); err != nil {
		return err
	}
	if err := c.remote.DeletePrefix(ctx, tenantID, prefix); err != nil {
		return err
	}
	return c.broadcast(ctx, invalidation{TenantID: tenantID, Prefix: prefix})
}

func (c *TwoPhaseCache) broadcast(ctx context.Context, inv invalidation) error {
	inv.Origin = c.origin
	data, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	return c.remote.client.Publish(ctx, invalidationChannel, data).Err()
}

func (c *TwoPhaseCache) listen(msgs <-chan *redis.Message) {
	defer close(c.done)
	for msg := range msgs {
		c.apply([]byte(msg.Payload))
	}
}

// apply drops the local entries named by another replica's invalidation.
func (c *TwoPhaseCache) apply(payload []byte) {
	var inv invalidation
	if err := json.Unmarshal(payload, &inv); err != nil {
		slog.Warn("dropping malformed cache invalidation", "error", err)
		return
	}
	if inv.Origin == c.origin || inv.TenantID == "" {
		return
	}

	ctx := context.Background()
	if inv.Prefix != "" {
		_ = c.local.DeletePrefix(ctx, inv.TenantID, inv.Prefix)
		return
	}
	_ = c.local.Delete(ctx, inv.TenantID, inv.Key)
}

// Ping checks both L1 and L2 health.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("L1 ping failed: %w", err)
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close stops the invalidation listener and closes both levels.
func (c *TwoPhaseCache) Close() error {
	if c.pubsub != nil {
		_ = c.pubsub.Close()
		<-c.done
	}
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats returns L1 cache statistics.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.local.Stats()
}
