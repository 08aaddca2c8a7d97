package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	domain "github.com/hanko-field/orderengine/internal/domain"
	"github.com/hanko-field/orderengine/internal/repositories"
	"github.com/hanko-field/orderengine/internal/services"
)

const (
	defaultSweepInterval = time.Minute
	defaultStaleAfter    = 10 * time.Minute
	defaultBatchSize     = 50
	defaultPollsPerSec   = 5
	sweepRunTimeout      = 2 * time.Minute
)

// OrderPoller polls the gateway for one order and reconciles the answer.
type OrderPoller interface {
	PollOrder(ctx context.Context, order domain.Order) (services.ReconcileResult, error)
}

// SweeperConfig configures the reconciliation sweeper.
type SweeperConfig struct {
	Orders   repositories.OrderRepository
	Poller   OrderPoller
	Interval time.Duration
	// StaleAfter selects orders whose last gateway check is older than this.
	StaleAfter time.Duration
	BatchSize  int
	// PollsPerSecond caps gateway calls so a large backlog does not trip provider rate limits.
	PollsPerSecond float64
	Clock          func() time.Time
	Logger         *zap.Logger
}

// SweepStats summarises one sweep.
type SweepStats struct {
	Scanned   int
	Changed   int
	Attention int
	Failed    int
}

// ReconciliationSweeper resolves pending gateway orders that never received a webhook by
// polling the provider, feeding the answer through the same reconciliation path.
type ReconciliationSweeper struct {
	orders     repositories.OrderRepository
	poller     OrderPoller
	interval   time.Duration
	staleAfter time.Duration
	batchSize  int
	limiter    *rate.Limiter
	clock      func() time.Time
	logger     *zap.Logger

	mu      sync.Mutex
	running bool
}

// NewReconciliationSweeper validates the configuration and applies defaults.
func NewReconciliationSweeper(cfg SweeperConfig) (*ReconciliationSweeper, error) {
	if cfg.Orders == nil {
		return nil, errors.New("reconciliation sweeper: order repository is required")
	}
	if cfg.Poller == nil {
		return nil, errors.New("reconciliation sweeper: poller is required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	stale := cfg.StaleAfter
	if stale <= 0 {
		stale = defaultStaleAfter
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	perSec := cfg.PollsPerSecond
	if perSec <= 0 {
		perSec = defaultPollsPerSec
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconciliationSweeper{
		orders:     cfg.Orders,
		poller:     cfg.Poller,
		interval:   interval,
		staleAfter: stale,
		batchSize:  batch,
		limiter:    rate.NewLimiter(rate.Limit(perSec), 1),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Run sweeps on every tick until ctx is cancelled.
func (s *ReconciliationSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("reconciliation sweeper started",
		zap.Duration("interval", s.interval),
		zap.Duration("staleAfter", s.staleAfter),
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconciliation sweeper stopped")
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, sweepRunTimeout)
			stats, err := s.SweepOnce(runCtx)
			cancel()
			if err != nil {
				s.logger.Error("reconciliation sweep failed", zap.Error(err))
				continue
			}
			if stats.Scanned > 0 {
				s.logger.Info("reconciliation sweep finished",
					zap.Int("scanned", stats.Scanned),
					zap.Int("changed", stats.Changed),
					zap.Int("attention", stats.Attention),
					zap.Int("failed", stats.Failed),
				)
			}
		}
	}
}

// SweepOnce polls one batch of stale pending orders. A failing order is logged and stamped as
// checked so it moves behind the rest of the backlog; overlapping sweeps are skipped.
func (s *ReconciliationSweeper) SweepOnce(ctx context.Context) (SweepStats, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return SweepStats{}, nil
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	orders, err := s.orders.ListAwaitingPayment(ctx, repositories.AwaitingPaymentFilter{
		CheckedBefore: s.clock().Add(-s.staleAfter),
		Limit:         s.batchSize,
	})
	if err != nil {
		return SweepStats{}, err
	}

	stats := SweepStats{Scanned: len(orders)}
	for _, order := range orders {
		if err := s.limiter.Wait(ctx); err != nil {
			return stats, err
		}
		result, err := s.poller.PollOrder(ctx, order)
		if err != nil {
			stats.Failed++
			s.logger.Warn("reconciliation poll failed",
				zap.String("orderId", order.ID),
				zap.String("reference", order.Reference),
				zap.Error(err),
			)
			s.deferOrder(ctx, order)
			continue
		}
		if result.Changed() {
			stats.Changed++
		}
		if result.RequiresAttention {
			stats.Attention++
		}
	}
	return stats, nil
}

// deferOrder stamps a failed order so the next batch starts with orders that have not been tried.
func (s *ReconciliationSweeper) deferOrder(ctx context.Context, order domain.Order) {
	if err := s.orders.TouchPaymentCheck(ctx, order.ID, s.clock()); err != nil {
		s.logger.Warn("reconciliation poll stamp failed",
			zap.String("orderId", order.ID),
			zap.Error(err),
		)
	}
}
