package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/hanko-field/orderengine/internal/domain"
	"github.com/hanko-field/orderengine/internal/payments"
	"github.com/hanko-field/orderengine/internal/repositories"
)

const (
	paymentIDPrefix     = "pay_"
	reconcileMeterScope = "github.com/hanko-field/orderengine/internal/services"
)

// ReconciliationServiceDeps bundles the collaborators required to construct the reconciliation service.
type ReconciliationServiceDeps struct {
	Orders      repositories.OrderRepository
	Payments    repositories.OrderPaymentRepository
	Stock       StockLedgerService
	Vouchers    VoucherEngine
	StatusCache PaymentStatusCache
	UnitOfWork  repositories.UnitOfWork
	Meter       metric.Meter
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type reconciliationService struct {
	orders     repositories.OrderRepository
	payments   repositories.OrderPaymentRepository
	stock      StockLedgerService
	vouchers   VoucherEngine
	cache      PaymentStatusCache
	unitOfWork repositories.UnitOfWork
	applied    metric.Int64Counter
	clock      func() time.Time
	newID      func() string
	sink       eventSink
	logger     func(context.Context, string, map[string]any)
}

// NewReconciliationService wires dependencies into a concrete ReconciliationService implementation.
func NewReconciliationService(deps ReconciliationServiceDeps) (ReconciliationService, error) {
	if deps.Orders == nil {
		return nil, errors.New("reconciliation service: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("reconciliation service: payment repository is required")
	}
	if deps.Stock == nil {
		return nil, errors.New("reconciliation service: stock ledger is required")
	}
	if deps.Vouchers == nil {
		return nil, errors.New("reconciliation service: voucher engine is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}

	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(reconcileMeterScope)
	}
	applied, err := meter.Int64Counter(
		"orders.reconciliation.applied",
		metric.WithDescription("Payment events processed by reconciliation, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	return &reconciliationService{
		orders:     deps.Orders,
		payments:   deps.Payments,
		stock:      deps.Stock,
		vouchers:   deps.Vouchers,
		cache:      deps.StatusCache,
		unitOfWork: unit,
		applied:    applied,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		sink:   eventSink{events: deps.Events, logger: logger},
		logger: logger,
	}, nil
}

func (s *reconciliationService) Apply(ctx context.Context, event PaymentEvent) (ReconcileResult, error) {
	return s.apply(ctx, event, nil)
}

func (s *reconciliationService) ApplyManual(ctx context.Context, event PaymentEvent, manual ManualPayment) (ReconcileResult, error) {
	event.Provider = payments.GatewayManual
	manual.VerifiedBy = actorOrSystem(manual.VerifiedBy)
	manual.ProofReference = strings.TrimSpace(manual.ProofReference)
	return s.apply(ctx, event, &manual)
}

// apply converges the order with one provider status. Paid and negative states are sticky; a
// status of lower or equal rank never overwrites the current one.
func (s *reconciliationService) apply(ctx context.Context, event PaymentEvent, manual *ManualPayment) (ReconcileResult, error) {
	event.OrderReference = strings.TrimSpace(event.OrderReference)
	event.Provider = strings.ToLower(strings.TrimSpace(event.Provider))
	if event.OrderReference == "" {
		return ReconcileResult{}, validationError("order reference is required")
	}
	if !event.Status.Valid() {
		return ReconcileResult{}, validationError("unknown payment status %q", event.Status)
	}
	now := s.clock()
	if event.OccurredAt.IsZero() {
		event.OccurredAt = now
	}

	var result ReconcileResult
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.LockByReference(txCtx, event.OrderReference)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		current := order.PaymentStatus
		result = ReconcileResult{Order: order, PreviousStatus: current}

		switch {
		case current == domain.PaymentStatusPaid && event.Status == domain.PaymentStatusPaid:
			known, err := s.knownPayment(txCtx, order, event)
			if err != nil {
				return err
			}
			if known {
				result.Outcome = ReconcileOutcomeDuplicate
				return nil
			}
			// A second transaction settled for an order that is already paid.
			if err := s.recordPayment(txCtx, order, event, manual, true); err != nil {
				return err
			}
			result.Outcome = ReconcileOutcomeAttention
			result.RequiresAttention = true
			return nil
		case current == event.Status:
			result.Outcome = ReconcileOutcomeDuplicate
			return nil
		case current.IsNegative() && event.Status == domain.PaymentStatusPaid:
			// Money moved for an order that is already closed. Keep the record, leave the order alone.
			if err := s.recordPayment(txCtx, order, event, manual, true); err != nil {
				return err
			}
			result.Outcome = ReconcileOutcomeAttention
			result.RequiresAttention = true
			return nil
		case current == domain.PaymentStatusPaid && event.Status.IsNegative():
			result.Outcome = ReconcileOutcomeAttention
			result.RequiresAttention = true
			return nil
		case event.Status.Rank() <= current.Rank():
			result.Outcome = ReconcileOutcomeStale
			return nil
		}

		order.PaymentStatus = event.Status
		order.PaymentCheckedAt = &now
		order.UpdatedAt = now

		switch {
		case event.Status == domain.PaymentStatusPaid:
			order.Status = domain.OrderStatusPaid
			paidAt := event.OccurredAt
			order.PaidAt = &paidAt
			if order.VoucherID != nil && !order.VoucherCounted {
				if _, err := s.vouchers.RecordUsage(txCtx, *order.VoucherID); err != nil {
					if !errors.Is(err, ErrVoucherLimitReached) {
						return err
					}
					// The customer already paid the discounted total.
					result.RequiresAttention = true
					s.logger(txCtx, "reconcile.voucher.limit_exceeded", map[string]any{
						"orderId":   order.ID,
						"voucherId": *order.VoucherID,
					})
				}
				order.VoucherCounted = true
			}
			if event.Amount > 0 && event.Amount != order.Totals.Total {
				result.RequiresAttention = true
				s.logger(txCtx, "reconcile.amount.mismatch", map[string]any{
					"orderId":  order.ID,
					"expected": order.Totals.Total,
					"received": event.Amount,
					"provider": event.Provider,
				})
			}
			if err := s.recordPayment(txCtx, order, event, manual, false); err != nil {
				return err
			}
		case event.Status.IsNegative():
			order.Status = domain.OrderStatusCancelled
			order.CancelledAt = &now
			if !order.StockReleased {
				lines := make([]StockLine, 0, len(order.Items))
				for _, item := range order.Items {
					lines = append(lines, StockLine{VariantID: item.VariantID, Quantity: item.Quantity})
				}
				if len(lines) > 0 {
					if _, err := s.stock.ReleaseAll(txCtx, lines, MovementMeta{
						Reason:    "payment " + string(event.Status),
						Reference: order.Reference,
						ActorID:   "system",
					}); err != nil {
						return err
					}
				}
				order.StockReleased = true
			}
		}

		updated, err := s.orders.Update(txCtx, order)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		result.Order = updated
		result.Outcome = ReconcileOutcomeApplied
		if result.RequiresAttention {
			result.Outcome = ReconcileOutcomeAttention
		}
		return nil
	})
	if err != nil {
		s.record(ctx, event, "error")
		if errors.Is(err, ErrOrderNotFound) {
			s.logger(ctx, "reconcile.order.not_found", map[string]any{
				"reference": event.OrderReference,
				"provider":  event.Provider,
			})
			return ReconcileResult{}, err
		}
		return ReconcileResult{}, &ReconciliationError{OrderReference: event.OrderReference, Status: event.Status, Err: err}
	}

	s.record(ctx, event, result.Outcome)
	s.logger(ctx, "reconcile.applied", map[string]any{
		"orderId":   result.Order.ID,
		"reference": event.OrderReference,
		"provider":  event.Provider,
		"from":      string(result.PreviousStatus),
		"to":        string(event.Status),
		"outcome":   result.Outcome,
	})
	if result.RequiresAttention {
		s.logger(ctx, "reconcile.requires_attention", map[string]any{
			"orderId":     result.Order.ID,
			"reference":   event.OrderReference,
			"orderStatus": string(result.Order.Status),
			"event":       string(event.Status),
			"provider":    event.Provider,
		})
	}

	if result.Outcome == ReconcileOutcomeDuplicate || result.Outcome == ReconcileOutcomeStale {
		return result, nil
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, result.Order.ID); err != nil {
			s.logger(ctx, "order.status_cache.invalidate.failed", map[string]any{
				"orderId": result.Order.ID,
				"error":   err.Error(),
			})
		}
	}
	s.sink.publish(ctx, OrderEvent{
		Type:           orderEventPaymentReconciled,
		OrderID:        result.Order.ID,
		OrderReference: result.Order.Reference,
		PreviousStatus: string(result.PreviousStatus),
		CurrentStatus:  string(result.Order.PaymentStatus),
		ActorID:        event.Provider,
		OccurredAt:     now,
		Metadata: map[string]any{
			"provider":          event.Provider,
			"transactionId":     event.ProviderTransactionID,
			"eventStatus":       string(event.Status),
			"orderStatus":       string(result.Order.Status),
			"requiresAttention": result.RequiresAttention,
		},
	})
	return result, nil
}

// recordPayment inserts the payment row. A row already stored for the same provider transaction
// is left as is.
func (s *reconciliationService) recordPayment(ctx context.Context, order Order, event PaymentEvent, manual *ManualPayment, attention bool) error {
	amount := event.Amount
	if amount <= 0 {
		amount = order.Totals.Total
	}
	txID := paymentTransactionID(order, event)
	metadata := map[string]any{
		"rawStatus": event.RawStatus,
	}
	if attention {
		metadata["requiresAttention"] = true
		metadata["orderStatus"] = string(order.Status)
	}
	payment := OrderPayment{
		ID:                    paymentIDPrefix + s.newID(),
		OrderID:               order.ID,
		Provider:              event.Provider,
		Amount:                amount,
		Currency:              order.Currency,
		ProviderTransactionID: txID,
		Metadata:              metadata,
		PaidAt:                event.OccurredAt,
		CreatedAt:             s.clock(),
	}
	if manual != nil {
		verifiedBy := manual.VerifiedBy
		payment.VerifiedBy = &verifiedBy
		if manual.ProofReference != "" {
			proof := manual.ProofReference
			payment.ProofReference = &proof
		}
	}
	if err := s.payments.Insert(ctx, payment); err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsConflict() {
			s.logger(ctx, "reconcile.payment.duplicate", map[string]any{
				"orderId":       order.ID,
				"transactionId": txID,
			})
			return nil
		}
		return err
	}
	return nil
}

// knownPayment reports whether the event's transaction is already recorded for the order. An event
// without a transaction id matches any payment from the same provider.
func (s *reconciliationService) knownPayment(ctx context.Context, order Order, event PaymentEvent) (bool, error) {
	recorded, err := s.payments.ListByOrder(ctx, order.ID)
	if err != nil {
		return false, err
	}
	txID := paymentTransactionID(order, event)
	anonymous := strings.TrimSpace(event.ProviderTransactionID) == ""
	for _, payment := range recorded {
		if payment.ProviderTransactionID == txID {
			return true, nil
		}
		if anonymous && payment.Provider == event.Provider {
			return true, nil
		}
	}
	return false, nil
}

func paymentTransactionID(order Order, event PaymentEvent) string {
	if txID := strings.TrimSpace(event.ProviderTransactionID); txID != "" {
		return txID
	}
	return event.Provider + ":" + order.ID
}

func (s *reconciliationService) record(ctx context.Context, event PaymentEvent, outcome string) {
	s.applied.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", event.Provider),
		attribute.String("status", string(event.Status)),
		attribute.String("outcome", outcome),
	))
}

// manualPaymentEvent is the canonical event an operator mark-paid produces.
func manualPaymentEvent(order Order, now time.Time) PaymentEvent {
	return PaymentEvent{
		OrderReference:        order.Reference,
		Status:                domain.PaymentStatusPaid,
		ProviderTransactionID: payments.GatewayManual + ":" + order.ID,
		RawStatus:             "manual",
		Provider:              payments.GatewayManual,
		Amount:                order.Totals.Total,
		OccurredAt:            now,
	}
}
