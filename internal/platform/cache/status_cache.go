package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hanko-field/orderengine/internal/platform/config"
	"github.com/hanko-field/orderengine/internal/services"
)

const (
	statusKeyPrefix    = "orders:payment-status:"
	defaultStatusTTL   = 5 * time.Minute
	defaultDialTimeout = 3 * time.Second
)

// NewRedisClient opens a client for the configured address. It does not dial until first use.
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis: address is required")
	}
	return redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: defaultDialTimeout,
	}), nil
}

// Ping adapts the client to the readiness check signature.
func Ping(client redis.UniversalClient) func(context.Context) error {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

// StatusCache keeps the last known payment status per order so the status query API
// can answer without touching Postgres or the gateway.
type StatusCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

var _ services.PaymentStatusCache = (*StatusCache)(nil)

// NewStatusCache wraps client. A non-positive ttl falls back to five minutes.
func NewStatusCache(client redis.UniversalClient, ttl time.Duration) (*StatusCache, error) {
	if client == nil {
		return nil, errors.New("status cache: redis client is required")
	}
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}
	return &StatusCache{client: client, ttl: ttl}, nil
}

type cachedStatus struct {
	Reference     string    `json:"reference"`
	CustomerID    string    `json:"customerId"`
	Status        string    `json:"status"`
	PaymentStatus string    `json:"paymentStatus"`
	Gateway       string    `json:"gateway,omitempty"`
	Total         int64     `json:"total"`
	Currency      string    `json:"currency"`
	CheckedAt     time.Time `json:"checkedAt"`
}

// Get returns the cached entry. A miss is reported with ok=false and no error.
func (c *StatusCache) Get(ctx context.Context, orderID string) (services.PaymentStatusView, bool, error) {
	raw, err := c.client.Get(ctx, statusKeyPrefix+orderID).Bytes()
	if errors.Is(err, redis.Nil) {
		return services.PaymentStatusView{}, false, nil
	}
	if err != nil {
		return services.PaymentStatusView{}, false, fmt.Errorf("status cache get: %w", err)
	}

	var entry cachedStatus
	if err := json.Unmarshal(raw, &entry); err != nil {
		// a corrupt entry is treated as a miss and overwritten on the next Set
		return services.PaymentStatusView{}, false, nil
	}
	return services.PaymentStatusView{
		OrderID:       orderID,
		Reference:     entry.Reference,
		CustomerID:    entry.CustomerID,
		Status:        services.OrderStatus(entry.Status),
		PaymentStatus: services.PaymentStatus(entry.PaymentStatus),
		Gateway:       entry.Gateway,
		Total:         entry.Total,
		Currency:      entry.Currency,
		CheckedAt:     entry.CheckedAt,
	}, true, nil
}

// Set stores the view with the configured TTL.
func (c *StatusCache) Set(ctx context.Context, view services.PaymentStatusView) error {
	payload, err := json.Marshal(cachedStatus{
		Reference:     view.Reference,
		CustomerID:    view.CustomerID,
		Status:        string(view.Status),
		PaymentStatus: string(view.PaymentStatus),
		Gateway:       view.Gateway,
		Total:         view.Total,
		Currency:      view.Currency,
		CheckedAt:     view.CheckedAt.UTC(),
	})
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, statusKeyPrefix+view.OrderID, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("status cache set: %w", err)
	}
	return nil
}

// Invalidate drops the entry after a reconciliation commit.
func (c *StatusCache) Invalidate(ctx context.Context, orderID string) error {
	if err := c.client.Del(ctx, statusKeyPrefix+orderID).Err(); err != nil {
		return fmt.Errorf("status cache invalidate: %w", err)
	}
	return nil
}
