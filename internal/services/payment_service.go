package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/hanko-field/orderengine/internal/domain"
	"github.com/hanko-field/orderengine/internal/payments"
	"github.com/hanko-field/orderengine/internal/repositories"
)

const (
	receiptIDPrefix       = "whr_"
	defaultSessionTTL     = 24 * time.Hour
	defaultStatusStaleAge = 5 * time.Minute
	webhookOutcomeError   = "error"
)

// PaymentServiceDeps bundles the collaborators required to construct the payment service.
type PaymentServiceDeps struct {
	Orders      repositories.OrderRepository
	Receipts    repositories.WebhookReceiptRepository
	Gateways    *payments.Manager
	Reconciler  ReconciliationService
	StatusCache PaymentStatusCache
	// SessionTTL is how long a newly created gateway session stays payable.
	SessionTTL time.Duration
	// StaleAfter is how old a status may be before a query polls the gateway again.
	StaleAfter  time.Duration
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	orders     repositories.OrderRepository
	receipts   repositories.WebhookReceiptRepository
	gateways   *payments.Manager
	reconciler ReconciliationService
	cache      PaymentStatusCache
	sessionTTL time.Duration
	staleAfter time.Duration
	clock      func() time.Time
	newID      func() string
	sink       eventSink
	logger     func(context.Context, string, map[string]any)
}

// NewPaymentService wires dependencies into a concrete PaymentService implementation.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Gateways == nil {
		return nil, errors.New("payment service: gateway manager is required")
	}
	if deps.Reconciler == nil {
		return nil, errors.New("payment service: reconciliation service is required")
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

	ttl := deps.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	stale := deps.StaleAfter
	if stale <= 0 {
		stale = defaultStatusStaleAge
	}

	return &paymentService{
		orders:     deps.Orders,
		receipts:   deps.Receipts,
		gateways:   deps.Gateways,
		reconciler: deps.Reconciler,
		cache:      deps.StatusCache,
		sessionTTL: ttl,
		staleAfter: stale,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		sink:   eventSink{events: deps.Events, logger: logger},
		logger: logger,
	}, nil
}

// CreateSession returns the order's live session or opens a new one. The gateway call happens
// outside any transaction; the session is stored with a compare-and-set and a lost race returns
// the winner's session.
func (s *paymentService) CreateSession(ctx context.Context, cmd CreatePaymentCommand) (PaymentSession, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return PaymentSession{}, validationError("orderId is required")
	}
	preferred := strings.ToLower(strings.TrimSpace(cmd.Gateway))
	if preferred == payments.GatewayManual {
		return PaymentSession{}, validationError("manual payments are recorded by an operator")
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return PaymentSession{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	now := s.clock()

	if order.HasGatewaySession() {
		if !order.Session.Expired(now) {
			if preferred != "" && preferred != order.Session.Gateway {
				return PaymentSession{}, fmt.Errorf("%w: order already has a %s session", ErrOrderStateConflict, order.Session.Gateway)
			}
			return *order.Session, nil
		}
		// The old session may have been paid right before expiry.
		result, err := s.PollOrder(ctx, order)
		if err != nil {
			return PaymentSession{}, err
		}
		if result.Order.ID != "" {
			order = result.Order
		}
	}
	if order.Status != domain.OrderStatusPending || order.PaymentStatus != domain.PaymentStatusPending {
		return PaymentSession{}, fmt.Errorf("%w: order is %s with payment %s", ErrOrderStateConflict, order.Status, order.PaymentStatus)
	}
	if order.Totals.Total <= 0 {
		return PaymentSession{}, fmt.Errorf("%w: order total must be positive to open a payment session", ErrOrderStateConflict)
	}

	gateway, err := s.gateways.Resolve(payments.Selection{Preferred: preferred, Currency: order.Currency})
	if err != nil {
		return PaymentSession{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	created, err := gateway.CreateSession(ctx, payments.SessionRequest{
		OrderID:        order.ID,
		OrderReference: order.Reference,
		CustomerID:     order.CustomerID,
		Amount:         order.Totals.Total,
		Currency:       order.Currency,
		Items:          lineItems(order.Items),
		ExpiresAt:      now.Add(s.sessionTTL),
		IdempotencyKey: fmt.Sprintf("%s:%d", order.ID, order.Version),
		Attempt:        nextSessionAttempt(order.Session),
	})
	if err != nil {
		s.logger(ctx, "payment.session.failed", map[string]any{
			"orderId": order.ID,
			"gateway": gateway.Name(),
			"error":   err.Error(),
		})
		return PaymentSession{}, err
	}

	session := PaymentSession{
		Gateway:       created.Gateway,
		Token:         created.Token,
		RedirectURL:   created.RedirectURL,
		TransactionID: created.TransactionID,
		ExpiresAt:     created.ExpiresAt.UTC(),
		CreatedAt:     now,
	}
	if session.Gateway == "" {
		session.Gateway = gateway.Name()
	}

	stored, err := s.orders.AttachSession(ctx, order.ID, session, now)
	if err != nil {
		return PaymentSession{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	if stored.Session == nil || stored.Session.Expired(now) || stored.Status != domain.OrderStatusPending {
		return PaymentSession{}, fmt.Errorf("%w: order changed while the session was created", ErrOrderStateConflict)
	}
	if stored.Session.Token != session.Token {
		s.logger(ctx, "payment.session.race_lost", map[string]any{
			"orderId": order.ID,
			"gateway": session.Gateway,
			"winner":  stored.Session.Gateway,
		})
		return *stored.Session, nil
	}

	s.invalidate(ctx, order.ID)
	s.logger(ctx, "payment.session.created", map[string]any{
		"orderId":   order.ID,
		"gateway":   session.Gateway,
		"expiresAt": session.ExpiresAt,
	})
	s.sink.publish(ctx, OrderEvent{
		Type:           orderEventPaymentSessionOpen,
		OrderID:        order.ID,
		OrderReference: order.Reference,
		CurrentStatus:  string(stored.Status),
		ActorID:        actorOrSystem(cmd.ActorID),
		OccurredAt:     now,
		Metadata: map[string]any{
			"gateway":   session.Gateway,
			"expiresAt": session.ExpiresAt,
		},
	})
	return session, nil
}

// QueryStatus serves a fresh cached status, otherwise loads the order and polls the gateway when
// the pending status is older than the stale window.
func (s *paymentService) QueryStatus(ctx context.Context, orderID string) (PaymentStatusView, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return PaymentStatusView{}, validationError("orderId is required")
	}
	now := s.clock()

	if s.cache != nil {
		view, ok, err := s.cache.Get(ctx, orderID)
		if err != nil {
			s.logger(ctx, "payment.status_cache.get.failed", map[string]any{
				"orderId": orderID,
				"error":   err.Error(),
			})
		} else if ok && now.Sub(view.CheckedAt) < s.staleAfter {
			return view, nil
		}
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return PaymentStatusView{}, mapRepositoryError(err, ErrOrderNotFound)
	}

	if s.shouldPoll(order, now) {
		result, err := s.PollOrder(ctx, order)
		switch {
		case err != nil:
			// The stored status is still an answer; the sweeper retries the poll.
			s.logger(ctx, "payment.poll.failed", map[string]any{
				"orderId": order.ID,
				"gateway": order.Session.Gateway,
				"error":   err.Error(),
			})
		case result.Order.ID != "":
			order = result.Order
		}
	}

	view := statusView(order, now)
	if s.cache != nil {
		if err := s.cache.Set(ctx, view); err != nil {
			s.logger(ctx, "payment.status_cache.set.failed", map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
		}
	}
	return view, nil
}

// HandleWebhook verifies and normalizes a callback, then reconciles it. Unknown orders and ignored
// provider events are successful outcomes so the provider stops retrying.
func (s *paymentService) HandleWebhook(ctx context.Context, gatewayName string, req payments.WebhookRequest) (WebhookOutcome, error) {
	gateway, err := s.gateways.Get(strings.ToLower(strings.TrimSpace(gatewayName)))
	if err != nil {
		return WebhookOutcome{}, err
	}

	event, err := gateway.NormalizeWebhook(ctx, req)
	if err != nil {
		if errors.Is(err, payments.ErrWebhookIgnored) {
			s.logger(ctx, "payment.webhook.ignored", map[string]any{
				"gateway": gateway.Name(),
				"reason":  err.Error(),
			})
			return WebhookOutcome{Outcome: WebhookOutcomeIgnored}, nil
		}
		s.logger(ctx, "payment.webhook.rejected", map[string]any{
			"gateway": gateway.Name(),
			"error":   err.Error(),
		})
		return WebhookOutcome{}, err
	}

	outcome := WebhookOutcome{Event: event}
	result, err := s.reconciler.Apply(ctx, event)
	switch {
	case errors.Is(err, ErrOrderNotFound):
		outcome.Outcome = WebhookOutcomeUnknownOrder
		err = nil
	case err != nil:
		outcome.Outcome = webhookOutcomeError
	default:
		outcome.Outcome = result.Outcome
		outcome.Result = result
	}
	s.appendReceipt(ctx, event, outcome.Outcome, err)
	return outcome, err
}

// MarkPaid records an operator verified payment through reconciliation.
func (s *paymentService) MarkPaid(ctx context.Context, cmd MarkPaidCommand) (ReconcileResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return ReconcileResult{}, validationError("orderId is required")
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return ReconcileResult{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	if order.Status != domain.OrderStatusPending {
		return ReconcileResult{}, fmt.Errorf("%w: cannot mark a %s order paid", ErrOrderStateConflict, order.Status)
	}
	order, err = s.SettleSession(ctx, order)
	if err != nil {
		return ReconcileResult{}, err
	}
	return s.reconciler.ApplyManual(ctx, manualPaymentEvent(order, s.clock()), ManualPayment{
		VerifiedBy:     cmd.ActorID,
		ProofReference: cmd.ProofReference,
	})
}

// PollOrder asks the gateway that owns the order's session for the current status. A session
// that expired longer than the stale window ago while the provider still reports pending is
// treated as expired.
func (s *paymentService) PollOrder(ctx context.Context, order Order) (ReconcileResult, error) {
	return s.poll(ctx, order, true)
}

// SettleSession confirms with the provider that no gateway payment is in flight before a caller
// treats the order as unpaid. An open session is refused and an expired one is polled first.
func (s *paymentService) SettleSession(ctx context.Context, order Order) (Order, error) {
	if !order.HasGatewaySession() || order.Session.Gateway == payments.GatewayManual {
		return order, nil
	}
	gateway := order.Session.Gateway
	if !order.Session.Expired(s.clock()) {
		return Order{}, fmt.Errorf("%w: order has an open %s payment session", ErrOrderStateConflict, gateway)
	}
	result, err := s.poll(ctx, order, false)
	if err != nil {
		s.logger(ctx, "payment.session.settle.failed", map[string]any{
			"orderId": order.ID,
			"gateway": gateway,
			"error":   err.Error(),
		})
		return Order{}, err
	}
	if result.Order.ID != "" {
		order = result.Order
	}
	if order.Status != domain.OrderStatusPending || order.PaymentStatus != domain.PaymentStatusPending {
		return Order{}, fmt.Errorf("%w: %s reports the order payment as %s", ErrOrderStateConflict, gateway, order.PaymentStatus)
	}
	return order, nil
}

func (s *paymentService) poll(ctx context.Context, order Order, expireAbandoned bool) (ReconcileResult, error) {
	if !order.HasGatewaySession() || order.Session.Gateway == payments.GatewayManual {
		return ReconcileResult{}, fmt.Errorf("%w: order has no gateway session", ErrOrderStateConflict)
	}
	gateway, err := s.gateways.Get(order.Session.Gateway)
	if err != nil {
		return ReconcileResult{}, err
	}

	event, err := gateway.PollStatus(ctx, payments.PollRequest{
		OrderReference: order.Reference,
		SessionToken:   order.Session.Token,
		TransactionID:  order.Session.TransactionID,
	})
	if err != nil {
		return ReconcileResult{}, err
	}
	now := s.clock()
	if event.OrderReference == "" {
		event.OrderReference = order.Reference
	}
	if expireAbandoned && event.Status == domain.PaymentStatusPending && order.Session.Expired(now.Add(-s.staleAfter)) {
		event.Status = domain.PaymentStatusExpired
		event.RawStatus = "session_expired"
		event.OccurredAt = now
	}

	result, err := s.reconciler.Apply(ctx, event)
	if err != nil {
		return ReconcileResult{}, err
	}
	if err := s.orders.TouchPaymentCheck(ctx, order.ID, now); err != nil {
		s.logger(ctx, "payment.poll.touch.failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	} else if result.Order.ID != "" {
		result.Order.PaymentCheckedAt = &now
	}
	return result, nil
}

func nextSessionAttempt(previous *PaymentSession) int {
	if previous == nil || previous.Gateway == "" || previous.Gateway == payments.GatewayManual {
		return 1
	}
	return payments.SessionAttempt(previous.TransactionID) + 1
}

func (s *paymentService) shouldPoll(order Order, now time.Time) bool {
	if order.PaymentStatus != domain.PaymentStatusPending || !order.HasGatewaySession() {
		return false
	}
	if order.PaymentCheckedAt == nil {
		return true
	}
	return now.Sub(*order.PaymentCheckedAt) >= s.staleAfter
}

func (s *paymentService) appendReceipt(ctx context.Context, event PaymentEvent, outcome string, applyErr error) {
	if s.receipts == nil {
		return
	}
	receipt := domain.WebhookReceipt{
		ID:                    receiptIDPrefix + s.newID(),
		Provider:              event.Provider,
		OrderReference:        event.OrderReference,
		ProviderTransactionID: event.ProviderTransactionID,
		RawStatus:             event.RawStatus,
		Status:                event.Status,
		Outcome:               outcome,
		ReceivedAt:            s.clock(),
	}
	if applyErr != nil {
		receipt.Error = applyErr.Error()
	}
	if err := s.receipts.Append(ctx, receipt); err != nil {
		s.logger(ctx, "payment.webhook.receipt.failed", map[string]any{
			"reference": event.OrderReference,
			"error":     err.Error(),
		})
	}
}

func (s *paymentService) invalidate(ctx context.Context, orderID string) {
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

func statusView(order Order, now time.Time) PaymentStatusView {
	view := PaymentStatusView{
		OrderID:       order.ID,
		Reference:     order.Reference,
		CustomerID:    order.CustomerID,
		Status:        order.Status,
		PaymentStatus: order.PaymentStatus,
		Total:         order.Totals.Total,
		Currency:      order.Currency,
		CheckedAt:     now,
	}
	if order.Session != nil {
		view.Gateway = order.Session.Gateway
	}
	return view
}

func lineItems(items []OrderItem) []payments.LineItem {
	lines := make([]payments.LineItem, 0, len(items))
	for _, item := range items {
		name := item.ProductName
		if item.VariantLabel != "" {
			name = strings.TrimSpace(name + " " + item.VariantLabel)
		}
		lines = append(lines, payments.LineItem{
			Name:     name,
			SKU:      item.SKU,
			Quantity: item.Quantity,
			Amount:   item.UnitPrice,
		})
	}
	return lines
}
