package repositories

import (
	"context"
	"time"

	domain "github.com/hanko-field/orderengine/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Stock() StockRepository
	Vouchers() VoucherRepository
	Orders() OrderRepository
	OrderPayments() OrderPaymentRepository
	Counters() CounterRepository
	WebhookReceipts() WebhookReceiptRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in one transaction. Nested calls join the outer transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// StockRepository owns variant stock counters and the append-only movement log.
// Lock and Apply must run inside a unit of work.
type StockRepository interface {
	// LockVariants row-locks the variants in ascending id order. Missing ids yield a StockError.
	LockVariants(ctx context.Context, variantIDs []string) (map[string]domain.Variant, error)
	FindVariant(ctx context.Context, variantID string) (domain.Variant, error)
	// ApplyMovement sets the variant stock to movement.BalanceAfter and appends the movement.
	ApplyMovement(ctx context.Context, movement domain.StockMovement) error
	ListMovements(ctx context.Context, filter MovementListFilter) (domain.CursorPage[domain.StockMovement], error)
	// SumMovements returns the net signed quantity recorded for the variant.
	SumMovements(ctx context.Context, variantID string) (int64, error)
}

// VoucherRepository reads vouchers and maintains their usage counter.
type VoucherRepository interface {
	FindByCode(ctx context.Context, code string) (domain.Voucher, error)
	FindByID(ctx context.Context, voucherID string) (domain.Voucher, error)
	// IncrementUsage bumps used_count only while it stays within usage_limit; otherwise it returns a conflict.
	IncrementUsage(ctx context.Context, voucherID string, now time.Time) (domain.Voucher, error)
}

// OrderRepository persists order headers together with their items.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	// Update replaces header and items when the stored version matches order.Version and
	// returns the order carrying its new version. A stale version yields a conflict.
	Update(ctx context.Context, order domain.Order) (domain.Order, error)
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByReference(ctx context.Context, reference string) (domain.Order, error)
	LockByID(ctx context.Context, orderID string) (domain.Order, error)
	LockByReference(ctx context.Context, reference string) (domain.Order, error)
	// AttachSession stores the session only if none is present or the stored one expired at now.
	// It returns the order as persisted, which carries the winning session on a lost race.
	AttachSession(ctx context.Context, orderID string, session domain.PaymentSession, now time.Time) (domain.Order, error)
	// TouchPaymentCheck records when the gateway status was last confirmed.
	TouchPaymentCheck(ctx context.Context, orderID string, checkedAt time.Time) error
	ListAwaitingPayment(ctx context.Context, filter AwaitingPaymentFilter) ([]domain.Order, error)
}

// OrderPaymentRepository stores payment records for orders.
type OrderPaymentRepository interface {
	// Insert returns a conflict when the provider transaction was already recorded for the order.
	Insert(ctx context.Context, payment domain.OrderPayment) error
	ListByOrder(ctx context.Context, orderID string) ([]domain.OrderPayment, error)
}

// CounterRepository manages named sequences used for human readable references.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
}

// WebhookReceiptRepository keeps an audit log of gateway callbacks.
type WebhookReceiptRepository interface {
	Append(ctx context.Context, receipt domain.WebhookReceipt) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

type MovementListFilter struct {
	VariantID  string
	Pagination domain.Pagination
}

// AwaitingPaymentFilter selects pending gateway orders the sweeper should poll.
type AwaitingPaymentFilter struct {
	// CheckedBefore matches orders never checked or last checked before this instant.
	CheckedBefore time.Time
	Limit         int
}
