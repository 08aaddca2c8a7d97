package services

import (
	"context"
	"time"

	domain "github.com/hanko-field/orderengine/internal/domain"
	"github.com/hanko-field/orderengine/internal/payments"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Order              = domain.Order
	OrderItem          = domain.OrderItem
	OrderTotals        = domain.OrderTotals
	OrderStatus        = domain.OrderStatus
	OrderShipping      = domain.OrderShipping
	OrderPayment       = domain.OrderPayment
	PaymentStatus      = domain.PaymentStatus
	PaymentSession     = domain.PaymentSession
	Variant            = domain.Variant
	Voucher            = domain.Voucher
	StockMovement      = domain.StockMovement
	SystemHealthReport = domain.SystemHealthReport
	PaymentEvent       = payments.PaymentEvent
)

// StockLedgerService owns variant stock. Every successful mutation appends exactly one movement per variant.
type StockLedgerService interface {
	Reserve(ctx context.Context, cmd StockChangeCommand) (StockMovement, error)
	Release(ctx context.Context, cmd StockChangeCommand) (StockMovement, error)
	Adjust(ctx context.Context, cmd StockAdjustCommand) (StockMovement, error)
	// ReserveAll is all-or-nothing across lines.
	ReserveAll(ctx context.Context, lines []StockLine, meta MovementMeta) (LedgerResult, error)
	ReleaseAll(ctx context.Context, lines []StockLine, meta MovementMeta) (LedgerResult, error)
	// ApplyChanges locks every listed variant and books the signed deltas. Zero deltas lock without writing.
	ApplyChanges(ctx context.Context, changes []StockChange, meta MovementMeta) (LedgerResult, error)
	ListMovements(ctx context.Context, variantID string, page Pagination) (domain.CursorPage[StockMovement], error)
	VerifyBalance(ctx context.Context, variantID string) (BalanceReport, error)
}

// VoucherEngine evaluates discounts and tracks voucher usage.
type VoucherEngine interface {
	// Evaluate is pure: it never touches storage.
	Evaluate(voucher Voucher, orderAmount int64, now time.Time) (int64, error)
	Lookup(ctx context.Context, code string) (Voucher, error)
	Preview(ctx context.Context, code string, orderAmount int64) (VoucherPreview, error)
	RecordUsage(ctx context.Context, voucherID string) (Voucher, error)
}

// OrderService encapsulates the order aggregate and its state machine.
type OrderService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	UpdateItems(ctx context.Context, cmd UpdateItemsCommand) (Order, error)
	UpdateShipping(ctx context.Context, cmd UpdateShippingCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	UpdateStatus(ctx context.Context, cmd UpdateStatusCommand) (Order, error)
	Delete(ctx context.Context, cmd DeleteOrderCommand) error
	Get(ctx context.Context, orderID string) (Order, error)
	GetByReference(ctx context.Context, reference string) (Order, error)
}

// ReconciliationService folds payment events into order state exactly once per transition.
type ReconciliationService interface {
	Apply(ctx context.Context, event PaymentEvent) (ReconcileResult, error)
	// ApplyManual is Apply for operator recorded payments, carrying who verified them.
	ApplyManual(ctx context.Context, event PaymentEvent, manual ManualPayment) (ReconcileResult, error)
}

// PaymentService exposes payment creation, status queries, webhook intake and manual payments.
type PaymentService interface {
	CreateSession(ctx context.Context, cmd CreatePaymentCommand) (PaymentSession, error)
	QueryStatus(ctx context.Context, orderID string) (PaymentStatusView, error)
	HandleWebhook(ctx context.Context, gateway string, req payments.WebhookRequest) (WebhookOutcome, error)
	MarkPaid(ctx context.Context, cmd MarkPaidCommand) (ReconcileResult, error)
	// PollOrder asks the order's gateway for the current status and reconciles it.
	PollOrder(ctx context.Context, order Order) (ReconcileResult, error)
	SessionSettler
}

// SessionSettler confirms that an order carries no open or paid gateway session. It returns the
// order as reconciled with the provider.
type SessionSettler interface {
	SettleSession(ctx context.Context, order Order) (Order, error)
}

// CounterService issues human readable references.
type CounterService interface {
	NextOrderReference(ctx context.Context) (string, error)
}

// SystemService exposes operational metadata.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// PaymentStatusCache keeps recently observed payment status per order.
type PaymentStatusCache interface {
	Get(ctx context.Context, orderID string) (PaymentStatusView, bool, error)
	Set(ctx context.Context, view PaymentStatusView) error
	Invalidate(ctx context.Context, orderID string) error
}

// Stock ledger DTOs ----------------------------------------------------------

// StockLine requests a quantity of one variant.
type StockLine struct {
	VariantID string
	Quantity  int64
}

// StockChange is a signed stock delta for one variant.
type StockChange struct {
	VariantID string
	Delta     int64
}

// MovementMeta is copied onto every movement written by one ledger call.
type MovementMeta struct {
	Reason    string
	Reference string
	ActorID   string
}

type StockChangeCommand struct {
	VariantID string
	Quantity  int64
	MovementMeta
}

type StockAdjustCommand struct {
	VariantID string
	// NewQuantity is the counted absolute stock.
	NewQuantity int64
	MovementMeta
}

// LedgerResult reports the movements written and the variants as locked, after the change.
type LedgerResult struct {
	Movements []StockMovement
	Variants  map[string]Variant
}

// BalanceReport compares the stock counter with the sum of its movements.
type BalanceReport struct {
	VariantID  string
	Stock      int64
	LedgerSum  int64
	Drift      int64
	Consistent bool
	CheckedAt  time.Time
}

// Voucher DTOs ---------------------------------------------------------------

type VoucherPreview struct {
	Voucher     Voucher
	OrderAmount int64
	Discount    int64
	Total       int64
}

// Order commands ---------------------------------------------------------------

type OrderLineInput struct {
	VariantID string
	Quantity  int64
	// UnitPrice is the price the customer was shown. When set it must match the price the order snapshots.
	UnitPrice *int64
}

type CreateOrderCommand struct {
	CustomerID        string
	ShippingAddressID string
	Currency          string
	Items             []OrderLineInput
	ShippingCost      int64
	VoucherCode       string
	Courier           string
	CourierService    string
	ActorID           string
}

type UpdateItemsCommand struct {
	OrderID string
	Items   []OrderLineInput
	ActorID string
}

type UpdateShippingCommand struct {
	OrderID        string
	ShippingCost   *int64
	Courier        *string
	CourierService *string
	TrackingNumber *string
	ActorID        string
}

type CancelOrderCommand struct {
	OrderID string
	Reason  string
	ActorID string
}

type UpdateStatusCommand struct {
	OrderID string
	Status  OrderStatus
	Reason  string
	ActorID string
}

type DeleteOrderCommand struct {
	OrderID string
	ActorID string
}

// Reconciliation DTOs ----------------------------------------------------------

const (
	ReconcileOutcomeApplied   = "applied"
	ReconcileOutcomeDuplicate = "duplicate"
	ReconcileOutcomeStale     = "stale"
	ReconcileOutcomeAttention = "requires_attention"
)

// ReconcileResult describes what Apply did with one event.
type ReconcileResult struct {
	Order          Order
	Outcome        string
	PreviousStatus PaymentStatus
	// RequiresAttention marks provider truth the order could not absorb, such as a payment
	// for an order that was already cancelled.
	RequiresAttention bool
}

// Changed reports whether the event was written to the order.
func (r ReconcileResult) Changed() bool {
	return r.Outcome == ReconcileOutcomeApplied
}

// ManualPayment carries operator details for manual mark-paid.
type ManualPayment struct {
	VerifiedBy     string
	ProofReference string
}

// Payment DTOs -------------------------------------------------------------------

type CreatePaymentCommand struct {
	OrderID string
	Gateway string
	ActorID string
}

type MarkPaidCommand struct {
	OrderID        string
	ProofReference string
	ActorID        string
}

// PaymentStatusView is the status query answer, also the cached shape.
type PaymentStatusView struct {
	OrderID       string
	Reference     string
	CustomerID    string
	Status        OrderStatus
	PaymentStatus PaymentStatus
	Gateway       string
	Total         int64
	Currency      string
	CheckedAt     time.Time
}

const (
	WebhookOutcomeIgnored      = "ignored"
	WebhookOutcomeUnknownOrder = "unknown_order"
)

// WebhookOutcome summarises one processed callback.
type WebhookOutcome struct {
	Event   PaymentEvent
	Outcome string
	Result  ReconcileResult
}
