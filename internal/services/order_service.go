package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/hanko-field/orderengine/internal/domain"
	"github.com/hanko-field/orderengine/internal/repositories"
)

const (
	orderIDPrefix      = "ord_"
	defaultCurrency    = "IDR"
	maxOrderLines      = 100
	maxCancelReasonLen = 500
)

var orderStateTransitions = map[OrderStatus][]OrderStatus{
	domain.OrderStatusPending: {domain.OrderStatusPaid, domain.OrderStatusCancelled},
	domain.OrderStatusPaid:    {domain.OrderStatusShipped, domain.OrderStatusCancelled},
	domain.OrderStatusShipped: {domain.OrderStatusDelivered},
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders     repositories.OrderRepository
	Stock      StockLedgerService
	Vouchers   VoucherEngine
	Counters   CounterService
	Reconciler ReconciliationService
	// Sessions confirms gateway sessions are unpaid before manual paid or delete.
	Sessions        SessionSettler
	StatusCache     PaymentStatusCache
	UnitOfWork      repositories.UnitOfWork
	DefaultCurrency string
	Clock           func() time.Time
	IDGenerator     func() string
	Events          OrderEventPublisher
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	stock      StockLedgerService
	vouchers   VoucherEngine
	counters   CounterService
	reconciler ReconciliationService
	sessions   SessionSettler
	cache      PaymentStatusCache
	unitOfWork repositories.UnitOfWork
	currency   string
	clock      func() time.Time
	newID      func() string
	sink       eventSink
	logger     func(context.Context, string, map[string]any)
	policy     *bluemonday.Policy
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Stock == nil {
		return nil, errors.New("order service: stock ledger is required")
	}
	if deps.Vouchers == nil {
		return nil, errors.New("order service: voucher engine is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter service is required")
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

	currency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if currency == "" {
		currency = defaultCurrency
	}

	return &orderService{
		orders:     deps.Orders,
		stock:      deps.Stock,
		vouchers:   deps.Vouchers,
		counters:   deps.Counters,
		reconciler: deps.Reconciler,
		sessions:   deps.Sessions,
		cache:      deps.StatusCache,
		unitOfWork: unit,
		currency:   currency,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		sink:   eventSink{events: deps.Events, logger: logger},
		logger: logger,
		policy: bluemonday.StrictPolicy(),
	}, nil
}

func (s *orderService) Create(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	customerID := strings.TrimSpace(cmd.CustomerID)
	if customerID == "" {
		return Order{}, validationError("customerId is required")
	}
	addressID := strings.TrimSpace(cmd.ShippingAddressID)
	if addressID == "" {
		return Order{}, validationError("shippingAddressId is required")
	}
	if cmd.ShippingCost < 0 {
		return Order{}, validationError("shippingCost must not be negative")
	}
	lines, quoted, err := aggregateOrderLines(cmd.Items)
	if err != nil {
		return Order{}, err
	}
	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		currency = s.currency
	}

	var voucher *Voucher
	if strings.TrimSpace(cmd.VoucherCode) != "" {
		found, err := s.vouchers.Lookup(ctx, cmd.VoucherCode)
		if err != nil {
			return Order{}, err
		}
		voucher = &found
	}

	now := s.now()
	actor := actorOrSystem(cmd.ActorID)
	order := Order{
		ID:                orderIDPrefix + s.newID(),
		CustomerID:        customerID,
		ShippingAddressID: addressID,
		Currency:          currency,
		Status:            domain.OrderStatusPending,
		PaymentStatus:     domain.PaymentStatusPending,
		Shipping: OrderShipping{
			Courier: strings.TrimSpace(cmd.Courier),
			Service: strings.TrimSpace(cmd.CourierService),
		},
		CreatedBy: actor,
		OrderedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if voucher != nil {
		order.VoucherID = &voucher.ID
		order.VoucherCode = &voucher.Code
	}

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		reference, err := s.counters.NextOrderReference(txCtx)
		if err != nil {
			return err
		}
		order.Reference = reference

		reserved, err := s.stock.ReserveAll(txCtx, lines, MovementMeta{
			Reason:    "order created",
			Reference: reference,
			ActorID:   actor,
		})
		if err != nil {
			return err
		}

		items, err := snapshotItems(lines, reserved.Variants, nil, quoted)
		if err != nil {
			return err
		}
		order.Items = items

		var discount int64
		if voucher != nil {
			discount, err = s.vouchers.Evaluate(*voucher, domain.SubtotalOf(items), now)
			if err != nil {
				return err
			}
		}
		order.Totals = domain.ComputeTotals(items, cmd.ShippingCost, discount)

		if err := s.orders.Insert(txCtx, order); err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.logger(ctx, "order.created", map[string]any{
		"orderId":   order.ID,
		"reference": order.Reference,
		"total":     order.Totals.Total,
		"items":     len(order.Items),
	})
	s.sink.publish(ctx, OrderEvent{
		Type:           orderEventCreated,
		OrderID:        order.ID,
		OrderReference: order.Reference,
		CurrentStatus:  string(order.Status),
		ActorID:        actor,
		OccurredAt:     now,
		Metadata: map[string]any{
			"total":    order.Totals.Total,
			"currency": order.Currency,
		},
	})
	return order, nil
}

// UpdateItems replaces the item set of a pending manual order. Only the per-variant difference
// between the old and new sets moves stock.
func (s *orderService) UpdateItems(ctx context.Context, cmd UpdateItemsCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, validationError("orderId is required")
	}
	lines, quoted, err := aggregateOrderLines(cmd.Items)
	if err != nil {
		return Order{}, err
	}
	actor := actorOrSystem(cmd.ActorID)
	now := s.now()

	var updated Order
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.LockByID(txCtx, orderID)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		if order.Status != domain.OrderStatusPending {
			return fmt.Errorf("%w: items can only change while pending, order is %s", ErrOrderStateConflict, order.Status)
		}
		if order.HasGatewaySession() {
			return fmt.Errorf("%w: order has a %s payment session", ErrOrderStateConflict, order.Session.Gateway)
		}

		changes := itemDeltas(order.Items, lines)
		applied, err := s.stock.ApplyChanges(txCtx, changes, MovementMeta{
			Reason:    "order items updated",
			Reference: order.Reference,
			ActorID:   actor,
		})
		if err != nil {
			return err
		}

		items, err := snapshotItems(lines, applied.Variants, order.Items, quoted)
		if err != nil {
			return err
		}

		var discount int64
		if order.VoucherCode != nil {
			voucher, err := s.vouchers.Lookup(txCtx, *order.VoucherCode)
			if err != nil {
				return err
			}
			discount, err = s.vouchers.Evaluate(voucher, domain.SubtotalOf(items), now)
			if err != nil {
				return err
			}
		}

		order.Items = items
		order.Totals = domain.ComputeTotals(items, order.Totals.Shipping, discount)
		order.UpdatedAt = now
		updated, err = s.orders.Update(txCtx, order)
		return mapRepositoryError(err, ErrOrderNotFound)
	})
	if err != nil {
		return Order{}, err
	}

	s.invalidate(ctx, updated.ID)
	s.sink.publish(ctx, OrderEvent{
		Type:           orderEventItemsUpdated,
		OrderID:        updated.ID,
		OrderReference: updated.Reference,
		CurrentStatus:  string(updated.Status),
		ActorID:        actor,
		OccurredAt:     now,
		Metadata: map[string]any{
			"total": updated.Totals.Total,
			"items": len(updated.Items),
		},
	})
	return updated, nil
}

// UpdateShipping changes the shipping cost of a pending manual order and courier details of any live order.
func (s *orderService) UpdateShipping(ctx context.Context, cmd UpdateShippingCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, validationError("orderId is required")
	}
	if cmd.ShippingCost == nil && cmd.Courier == nil && cmd.CourierService == nil && cmd.TrackingNumber == nil {
		return Order{}, validationError("nothing to update")
	}
	if cmd.ShippingCost != nil && *cmd.ShippingCost < 0 {
		return Order{}, validationError("shippingCost must not be negative")
	}
	actor := actorOrSystem(cmd.ActorID)
	now := s.now()

	var updated Order
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.LockByID(txCtx, orderID)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		if order.Status.IsTerminal() {
			return fmt.Errorf("%w: order is %s", ErrOrderStateConflict, order.Status)
		}
		if cmd.ShippingCost != nil {
			if order.Status != domain.OrderStatusPending || order.HasGatewaySession() {
				return fmt.Errorf("%w: shipping cost is fixed once payment started", ErrOrderStateConflict)
			}
			order.Totals = domain.ComputeTotals(order.Items, *cmd.ShippingCost, order.Totals.Discount)
		}
		if cmd.Courier != nil {
			order.Shipping.Courier = strings.TrimSpace(*cmd.Courier)
		}
		if cmd.CourierService != nil {
			order.Shipping.Service = strings.TrimSpace(*cmd.CourierService)
		}
		if cmd.TrackingNumber != nil {
			order.Shipping.TrackingNumber = strings.TrimSpace(*cmd.TrackingNumber)
		}
		order.UpdatedAt = now
		updated, err = s.orders.Update(txCtx, order)
		return mapRepositoryError(err, ErrOrderNotFound)
	})
	if err != nil {
		return Order{}, err
	}

	s.invalidate(ctx, updated.ID)
	s.sink.publish(ctx, OrderEvent{
		Type:           orderEventShippingUpdated,
		OrderID:        updated.ID,
		OrderReference: updated.Reference,
		CurrentStatus:  string(updated.Status),
		ActorID:        actor,
		OccurredAt:     now,
		Metadata: map[string]any{
			"shippingCost":   updated.Totals.Shipping,
			"courier":        updated.Shipping.Courier,
			"trackingNumber": updated.Shipping.TrackingNumber,
		},
	})
	return updated, nil
}

// Cancel cancels a manual order and returns its stock. Gateway orders are cancelled by reconciliation.
func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, validationError("orderId is required")
	}
	actor := actorOrSystem(cmd.ActorID)
	reason := s.cleanReason(cmd.Reason)
	now := s.now()

	var (
		updated  Order
		previous OrderStatus
	)
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.LockByID(txCtx, orderID)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		if order.HasGatewaySession() {
			return fmt.Errorf("%w: %s orders are cancelled through the payment provider", ErrOrderStateConflict, order.Session.Gateway)
		}
		if !canTransition(order.Status, domain.OrderStatusCancelled) {
			return fmt.Errorf("%w: cannot cancel a %s order", ErrOrderStateConflict, order.Status)
		}
		previous = order.Status

		if err := s.releaseStock(txCtx, &order, "order cancelled", actor); err != nil {
			return err
		}
		order.Status = domain.OrderStatusCancelled
		if order.PaymentStatus == domain.PaymentStatusPending {
			order.PaymentStatus = domain.PaymentStatusCancelled
		}
		order.CancelledAt = &now
		if reason != "" {
			order.CancelReason = &reason
		}
		order.UpdatedAt = now
		updated, err = s.orders.Update(txCtx, order)
		return mapRepositoryError(err, ErrOrderNotFound)
	})
	if err != nil {
		return Order{}, err
	}

	s.invalidate(ctx, updated.ID)
	s.publishStatusChange(ctx, updated, previous, actor, now, map[string]any{"reason": reason})
	return updated, nil
}

// UpdateStatus moves the order through the state machine. Paid goes through reconciliation so
// manual payments follow the same voucher and payment record rules as gateway payments.
func (s *orderService) UpdateStatus(ctx context.Context, cmd UpdateStatusCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, validationError("orderId is required")
	}
	target := OrderStatus(strings.ToLower(strings.TrimSpace(string(cmd.Status))))
	switch target {
	case domain.OrderStatusPending, domain.OrderStatusPaid, domain.OrderStatusShipped,
		domain.OrderStatusDelivered, domain.OrderStatusCancelled:
	default:
		return Order{}, validationError("unknown status %q", cmd.Status)
	}

	current, err := s.Get(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if current.Status == target {
		return Order{}, fmt.Errorf("%w: order is already %s", ErrOrderStateConflict, target)
	}

	switch target {
	case domain.OrderStatusCancelled:
		if current.HasGatewaySession() {
			return Order{}, fmt.Errorf("%w: %s orders are cancelled through the payment provider", ErrOrderStateConflict, current.Session.Gateway)
		}
		return s.Cancel(ctx, CancelOrderCommand{OrderID: orderID, Reason: cmd.Reason, ActorID: cmd.ActorID})
	case domain.OrderStatusPaid:
		if !canTransition(current.Status, target) {
			return Order{}, fmt.Errorf("%w: cannot mark a %s order paid", ErrOrderStateConflict, current.Status)
		}
		if s.reconciler == nil {
			return Order{}, errors.New("order service: reconciliation service not configured")
		}
		settled, err := s.settleSession(ctx, current)
		if err != nil {
			return Order{}, err
		}
		actor := actorOrSystem(cmd.ActorID)
		result, err := s.reconciler.ApplyManual(ctx, manualPaymentEvent(settled, s.now()), ManualPayment{VerifiedBy: actor})
		if err != nil {
			return Order{}, err
		}
		if result.Order.Status != domain.OrderStatusPaid {
			return Order{}, fmt.Errorf("%w: payment recorded but order stayed %s", ErrOrderStateConflict, result.Order.Status)
		}
		return result.Order, nil
	}

	actor := actorOrSystem(cmd.ActorID)
	now := s.now()
	var (
		updated  Order
		previous OrderStatus
	)
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.LockByID(txCtx, orderID)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		if !canTransition(order.Status, target) {
			return fmt.Errorf("%w: cannot move %s order to %s", ErrOrderStateConflict, order.Status, target)
		}
		previous = order.Status
		order.Status = target
		switch target {
		case domain.OrderStatusShipped:
			order.ShippedAt = &now
		case domain.OrderStatusDelivered:
			order.DeliveredAt = &now
		}
		order.UpdatedAt = now
		updated, err = s.orders.Update(txCtx, order)
		return mapRepositoryError(err, ErrOrderNotFound)
	})
	if err != nil {
		return Order{}, err
	}

	s.invalidate(ctx, updated.ID)
	s.publishStatusChange(ctx, updated, previous, actor, now, nil)
	return updated, nil
}

// Delete soft deletes a pending order, returning its stock. Orders whose gateway session is open,
// or cannot be confirmed unpaid with the provider, are kept so a late payment still finds its order.
func (s *orderService) Delete(ctx context.Context, cmd DeleteOrderCommand) error {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return validationError("orderId is required")
	}
	actor := actorOrSystem(cmd.ActorID)

	current, err := s.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if current.Status != domain.OrderStatusPending {
		return fmt.Errorf("%w: only pending orders can be deleted, order is %s", ErrOrderStateConflict, current.Status)
	}
	settled, err := s.settleSession(ctx, current)
	if err != nil {
		return err
	}
	now := s.now()

	var deleted Order
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.LockByID(txCtx, orderID)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		if order.Status != domain.OrderStatusPending {
			return fmt.Errorf("%w: only pending orders can be deleted, order is %s", ErrOrderStateConflict, order.Status)
		}
		if order.HasGatewaySession() && (!order.Session.Expired(now) || !sameSession(order.Session, settled.Session)) {
			return fmt.Errorf("%w: a %s payment session was opened meanwhile", ErrOrderStateConflict, order.Session.Gateway)
		}
		if err := s.releaseStock(txCtx, &order, "order deleted", actor); err != nil {
			return err
		}
		order.DeletedAt = &now
		order.UpdatedAt = now
		deleted, err = s.orders.Update(txCtx, order)
		return mapRepositoryError(err, ErrOrderNotFound)
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx, deleted.ID)
	s.sink.publish(ctx, OrderEvent{
		Type:           orderEventDeleted,
		OrderID:        deleted.ID,
		OrderReference: deleted.Reference,
		PreviousStatus: string(deleted.Status),
		ActorID:        actor,
		OccurredAt:     now,
	})
	return nil
}

func (s *orderService) Get(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, validationError("orderId is required")
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	return order, nil
}

func (s *orderService) GetByReference(ctx context.Context, reference string) (Order, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return Order{}, validationError("reference is required")
	}
	order, err := s.orders.FindByReference(ctx, reference)
	if err != nil {
		return Order{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	return order, nil
}

// settleSession asks the payment side whether the order's gateway session might still be paid.
func (s *orderService) settleSession(ctx context.Context, order Order) (Order, error) {
	if !order.HasGatewaySession() {
		return order, nil
	}
	if s.sessions == nil {
		return Order{}, fmt.Errorf("%w: %s session cannot be confirmed with the provider", ErrOrderStateConflict, order.Session.Gateway)
	}
	return s.sessions.SettleSession(ctx, order)
}

func sameSession(a, b *PaymentSession) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Gateway == b.Gateway && a.Token == b.Token
}

// releaseStock returns every item to stock once per order.
func (s *orderService) releaseStock(ctx context.Context, order *Order, reason string, actor string) error {
	if order.StockReleased || len(order.Items) == 0 {
		order.StockReleased = true
		return nil
	}
	lines := make([]StockLine, 0, len(order.Items))
	for _, item := range order.Items {
		lines = append(lines, StockLine{VariantID: item.VariantID, Quantity: item.Quantity})
	}
	if _, err := s.stock.ReleaseAll(ctx, lines, MovementMeta{Reason: reason, Reference: order.Reference, ActorID: actor}); err != nil {
		return err
	}
	order.StockReleased = true
	return nil
}

func (s *orderService) publishStatusChange(ctx context.Context, order Order, previous OrderStatus, actor string, now time.Time, metadata map[string]any) {
	s.sink.publish(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        order.ID,
		OrderReference: order.Reference,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.Status),
		ActorID:        actor,
		OccurredAt:     now,
		Metadata:       metadata,
	})
}

func (s *orderService) invalidate(ctx context.Context, orderID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, orderID); err != nil {
		s.logger(ctx, "order.status_cache.invalidate.failed", map[string]any{
			"orderId": orderID,
			"error":   err.Error(),
		})
	}
}

func (s *orderService) cleanReason(reason string) string {
	cleaned := strings.TrimSpace(s.policy.Sanitize(reason))
	if runes := []rune(cleaned); len(runes) > maxCancelReasonLen {
		cleaned = string(runes[:maxCancelReasonLen])
	}
	return cleaned
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func canTransition(current, target OrderStatus) bool {
	return slices.Contains(orderStateTransitions[current], target)
}

func actorOrSystem(actor string) string {
	if actor = strings.TrimSpace(actor); actor != "" {
		return actor
	}
	return "system"
}

// aggregateOrderLines validates inputs and merges repeated variants, keeping first-seen order.
// Quoted prices are returned per variant.
func aggregateOrderLines(inputs []OrderLineInput) ([]StockLine, map[string]int64, error) {
	if len(inputs) == 0 {
		return nil, nil, validationError("at least one item is required")
	}
	if len(inputs) > maxOrderLines {
		return nil, nil, validationError("at most %d items are allowed", maxOrderLines)
	}
	index := make(map[string]int, len(inputs))
	lines := make([]StockLine, 0, len(inputs))
	quoted := make(map[string]int64)
	for i, input := range inputs {
		variantID := strings.TrimSpace(input.VariantID)
		if variantID == "" {
			return nil, nil, validationError("items[%d].variantId is required", i)
		}
		if input.Quantity <= 0 {
			return nil, nil, validationError("items[%d].quantity must be positive", i)
		}
		if input.UnitPrice != nil {
			price := *input.UnitPrice
			if price < 0 {
				return nil, nil, validationError("items[%d].unitPrice must not be negative", i)
			}
			if prev, ok := quoted[variantID]; ok && prev != price {
				return nil, nil, validationError("items[%d].unitPrice differs from an earlier line of variant %s", i, variantID)
			}
			quoted[variantID] = price
		}
		if pos, ok := index[variantID]; ok {
			lines[pos].Quantity += input.Quantity
			continue
		}
		index[variantID] = len(lines)
		lines = append(lines, StockLine{VariantID: variantID, Quantity: input.Quantity})
	}
	return lines, quoted, nil
}

// itemDeltas turns an item set change into signed stock changes: more items reserve, fewer release.
// Every involved variant is listed so the ledger locks all of them.
func itemDeltas(current []OrderItem, next []StockLine) []StockChange {
	quantities := make(map[string]int64, len(current)+len(next))
	order := make([]string, 0, len(current)+len(next))
	for _, item := range current {
		if _, seen := quantities[item.VariantID]; !seen {
			order = append(order, item.VariantID)
		}
		quantities[item.VariantID] += item.Quantity
	}
	for _, line := range next {
		if _, seen := quantities[line.VariantID]; !seen {
			order = append(order, line.VariantID)
		}
		quantities[line.VariantID] -= line.Quantity
	}
	changes := make([]StockChange, 0, len(order))
	for _, id := range order {
		changes = append(changes, StockChange{VariantID: id, Delta: quantities[id]})
	}
	return changes
}

// snapshotItems builds order items from locked variants. Variants already on the order keep their
// original snapshot so an edit does not reprice untouched lines. A quoted price must equal the
// snapshot price.
func snapshotItems(lines []StockLine, variants map[string]Variant, previous []OrderItem, quoted map[string]int64) ([]OrderItem, error) {
	prior := make(map[string]OrderItem, len(previous))
	for _, item := range previous {
		prior[item.VariantID] = item
	}
	items := make([]OrderItem, 0, len(lines))
	for _, line := range lines {
		item, ok := prior[line.VariantID]
		if !ok {
			variant, found := variants[line.VariantID]
			if !found {
				return nil, fmt.Errorf("%w: %s", ErrVariantNotFound, line.VariantID)
			}
			if variant.Price < 0 {
				return nil, validationError("variant %s has a negative price", variant.ID)
			}
			item = OrderItem{
				VariantID:    variant.ID,
				ProductName:  variant.ProductName,
				VariantLabel: variant.Label,
				SKU:          variant.SKU,
				UnitPrice:    variant.Price,
			}
		}
		if price, ok := quoted[line.VariantID]; ok && price != item.UnitPrice {
			return nil, fmt.Errorf("%w: variant %s costs %d, quoted %d", ErrPriceMismatch, line.VariantID, item.UnitPrice, price)
		}
		item.Quantity = line.Quantity
		item.Subtotal = domain.LineSubtotal(item.Quantity, item.UnitPrice)
		items = append(items, item)
	}
	return items, nil
}
