package di

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/hanko-field/orderengine/internal/payments"
	"github.com/hanko-field/orderengine/internal/platform/config"
	"github.com/hanko-field/orderengine/internal/platform/requestctx"
	"github.com/hanko-field/orderengine/internal/repositories"
	"github.com/hanko-field/orderengine/internal/services"
)

// Services bundles the service-layer contracts that handlers and jobs rely upon.
type Services struct {
	Stock      services.StockLedgerService
	Vouchers   services.VoucherEngine
	Counters   services.CounterService
	Reconciler services.ReconciliationService
	Orders     services.OrderService
	Payments   services.PaymentService
	System     services.SystemService
}

// Infrastructure carries runtime clients that are not repositories. StatusCache and Events
// may be nil when the deployment runs without Redis or an event backend.
type Infrastructure struct {
	Gateways    *payments.Manager
	StatusCache services.PaymentStatusCache
	Events      services.OrderEventPublisher
	Meter       metric.Meter
	Logger      *zap.Logger
	Clock       func() time.Time
	Build       services.BuildInfo
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, infra Infrastructure) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	if infra.Gateways == nil {
		return nil, errors.New("payment gateway manager is required")
	}

	svc, err := buildServices(ctx, cfg, reg, infra)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, cfg config.Config, reg repositories.Registry, infra Infrastructure) (Services, error) {
	var svc Services

	clock := infra.Clock
	if clock == nil {
		clock = time.Now
	}
	base := infra.Logger
	if base == nil {
		base = zap.NewNop()
	}

	stock, err := services.NewStockLedgerService(services.StockLedgerServiceDeps{
		Stock:      reg.Stock(),
		UnitOfWork: reg,
		Clock:      clock,
		Logger:     ServiceLogger(base.Named("stock")),
	})
	if err != nil {
		return svc, fmt.Errorf("stock ledger: %w", err)
	}
	svc.Stock = stock

	vouchers, err := services.NewVoucherEngine(services.VoucherEngineDeps{
		Vouchers: reg.Vouchers(),
		Clock:    clock,
		Logger:   ServiceLogger(base.Named("vouchers")),
	})
	if err != nil {
		return svc, fmt.Errorf("voucher engine: %w", err)
	}
	svc.Vouchers = vouchers

	referenceZone, err := time.LoadLocation(cfg.Payments.ReferenceTimeZone)
	if err != nil {
		return svc, fmt.Errorf("order reference zone: %w", err)
	}
	counters, err := services.NewCounterService(services.CounterServiceDeps{
		Repository: reg.Counters(),
		Clock:      clock,
		Location:   referenceZone,
	})
	if err != nil {
		return svc, fmt.Errorf("counter service: %w", err)
	}
	svc.Counters = counters

	reconciler, err := services.NewReconciliationService(services.ReconciliationServiceDeps{
		Orders:      reg.Orders(),
		Payments:    reg.OrderPayments(),
		Stock:       stock,
		Vouchers:    vouchers,
		StatusCache: infra.StatusCache,
		UnitOfWork:  reg,
		Meter:       infra.Meter,
		Clock:       clock,
		Events:      infra.Events,
		Logger:      ServiceLogger(base.Named("reconcile")),
	})
	if err != nil {
		return svc, fmt.Errorf("reconciliation service: %w", err)
	}
	svc.Reconciler = reconciler

	paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
		Orders:      reg.Orders(),
		Receipts:    reg.WebhookReceipts(),
		Gateways:    infra.Gateways,
		Reconciler:  reconciler,
		StatusCache: infra.StatusCache,
		SessionTTL:  cfg.Payments.SessionTTL,
		StaleAfter:  cfg.Reconciliation.StaleAfter,
		Clock:       clock,
		Events:      infra.Events,
		Logger:      ServiceLogger(base.Named("payments")),
	})
	if err != nil {
		return svc, fmt.Errorf("payment service: %w", err)
	}
	svc.Payments = paymentSvc

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:          reg.Orders(),
		Stock:           stock,
		Vouchers:        vouchers,
		Counters:        counters,
		Reconciler:      reconciler,
		Sessions:        paymentSvc,
		StatusCache:     infra.StatusCache,
		UnitOfWork:      reg,
		DefaultCurrency: cfg.Payments.DefaultCurrency,
		Clock:           clock,
		Events:          infra.Events,
		Logger:          ServiceLogger(base.Named("orders")),
	})
	if err != nil {
		return svc, fmt.Errorf("order service: %w", err)
	}
	svc.Orders = orders

	if health := reg.Health(); health != nil {
		system, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: health,
			Gateways:         infra.Gateways,
			Clock:            clock,
			Build:            infra.Build,
		})
		if err != nil {
			return svc, fmt.Errorf("system service: %w", err)
		}
		svc.System = system
	}

	return svc, nil
}

// ServiceLogger adapts a zap logger to the event logger signature shared by services and gateways.
func ServiceLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		zFields := make([]zap.Field, 0, len(keys)+2)
		zFields = append(zFields, zap.String("event", event))
		if traceID := requestctx.TraceID(ctx); traceID != "" {
			zFields = append(zFields, zap.String("trace_id", traceID))
		}
		for _, key := range keys {
			zFields = append(zFields, zap.Any(key, fields[key]))
		}
		logger.Info(event, zFields...)
	}
}
