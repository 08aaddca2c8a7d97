package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order awaits payment.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPaid indicates payment was reconciled.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusShipped indicates the order has been handed to a courier.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the order reached the customer.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled and its stock returned.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// PaymentStatus is the canonical payment state shared by every gateway.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusPartial   PaymentStatus = "partial"
	PaymentStatusPaid      PaymentStatus = "paid"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusExpired   PaymentStatus = "expired"
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// Rank orders payment statuses by recency. A status never overwrites one with an equal or higher rank.
func (s PaymentStatus) Rank() int {
	switch s {
	case PaymentStatusPending:
		return 0
	case PaymentStatusPartial:
		return 1
	case PaymentStatusPaid:
		return 2
	case PaymentStatusFailed, PaymentStatusExpired, PaymentStatusCancelled:
		return 3
	default:
		return -1
	}
}

// IsNegative reports whether the status ends the payment attempt without funds.
func (s PaymentStatus) IsNegative() bool {
	return s == PaymentStatusFailed || s == PaymentStatusExpired || s == PaymentStatusCancelled
}

// Valid reports whether the status is one of the canonical values.
func (s PaymentStatus) Valid() bool {
	return s.Rank() >= 0
}

// PaymentSession holds the gateway checkout session attached to an order.
type PaymentSession struct {
	Gateway       string
	Token         string
	RedirectURL   string
	TransactionID string
	ExpiresAt     time.Time
	CreatedAt     time.Time
}

// Expired reports whether the session can no longer be used by the customer.
func (s PaymentSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Order captures the order aggregate header, items and payment progress.
type Order struct {
	ID                string
	Reference         string
	CustomerID        string
	ShippingAddressID string
	Currency          string
	Status            OrderStatus
	PaymentStatus     PaymentStatus
	Totals            OrderTotals
	Items             []OrderItem
	VoucherID         *string
	VoucherCode       *string
	Session           *PaymentSession
	VoucherCounted    bool
	StockReleased     bool
	Shipping          OrderShipping
	CreatedBy         string
	Version           int64
	OrderedAt         time.Time
	PaidAt            *time.Time
	ShippedAt         *time.Time
	DeliveredAt       *time.Time
	CancelledAt       *time.Time
	CancelReason      *string
	PaymentCheckedAt  *time.Time
	DeletedAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasGatewaySession reports whether a payment gateway owns the payment lifecycle of this order.
func (o Order) HasGatewaySession() bool {
	return o.Session != nil && o.Session.Gateway != ""
}

// OrderShipping stores courier assignment for fulfilment.
type OrderShipping struct {
	Courier        string
	Service        string
	TrackingNumber string
}

// OrderItem is a catalog snapshot of one purchased variant.
type OrderItem struct {
	VariantID    string
	ProductName  string
	VariantLabel string
	SKU          string
	Quantity     int64
	UnitPrice    int64
	Subtotal     int64
}

// Variant is the stock keeping unit the ledger moves.
type Variant struct {
	ID          string
	ProductID   string
	ProductName string
	Label       string
	SKU         string
	Price       int64
	Stock       int64
	UpdatedAt   time.Time
}

// StockMovementType classifies ledger entries.
type StockMovementType string

const (
	StockMovementIn         StockMovementType = "in"
	StockMovementOut        StockMovementType = "out"
	StockMovementAdjustment StockMovementType = "adjustment"
)

// StockMovement is an immutable ledger entry. Quantity is a magnitude; Delta carries the signed change.
type StockMovement struct {
	ID           string
	VariantID    string
	Type         StockMovementType
	Quantity     int64
	Delta        int64
	BalanceAfter int64
	Reason       string
	Reference    string
	CreatedBy    string
	CreatedAt    time.Time
}

// VoucherDiscountType determines how a voucher value is applied.
type VoucherDiscountType string

const (
	VoucherDiscountPercentage VoucherDiscountType = "percentage"
	VoucherDiscountFixed      VoucherDiscountType = "fixed"
)

// Voucher stores discount rules and usage counters.
type Voucher struct {
	ID              string
	Code            string
	Description     string
	DiscountType    VoucherDiscountType
	Value           int64
	MinimumAmount   int64
	MaximumDiscount *int64
	UsageLimit      *int64
	UsedCount       int64
	StartsAt        *time.Time
	EndsAt          *time.Time
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OrderPayment records money received for an order.
type OrderPayment struct {
	ID                    string
	OrderID               string
	Provider              string
	Amount                int64
	Currency              string
	ProviderTransactionID string
	ProofReference        *string
	VerifiedBy            *string
	Metadata              map[string]any
	PaidAt                time.Time
	CreatedAt             time.Time
}

// WebhookReceipt is the audit trail entry written for every verified gateway callback.
type WebhookReceipt struct {
	ID                    string
	Provider              string
	OrderReference        string
	ProviderTransactionID string
	RawStatus             string
	Status                PaymentStatus
	Outcome               string
	Error                 string
	ReceivedAt            time.Time
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck is the outcome of one dependency check. Only Critical failures make the
// service unready.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Critical  bool
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
	// Gateways lists the payment gateways able to open sessions, default first.
	Gateways []string
}
