package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	domain "github.com/hanko-field/orderengine/internal/domain"
	"github.com/hanko-field/orderengine/internal/payments"
)

func TestPaymentServiceCreateSessionIsIdempotent(t *testing.T) {
	e := newEngine(t)
	e.seedCatalog()
	order := e.placeOrder(t, "")
	ctx := context.Background()

	first, err := e.payments.CreateSession(ctx, CreatePaymentCommand{OrderID: order.ID, Gateway: "stripe"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	second, err := e.payments.CreateSession(ctx, CreatePaymentCommand{OrderID: order.ID})
	if err != nil {
		t.Fatalf("CreateSession again: %v", err)
	}
	if first.Token != second.Token {
		t.Fatalf("expected stored session returned, got %s and %s", first.Token, second.Token)
	}
	if calls := e.gateway.creates.Load(); calls != 1 {
		t.Fatalf("expected one gateway call, got %d", calls)
	}
	if !first.ExpiresAt.Equal(testNow.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %s", first.ExpiresAt)
	}
}

func TestPaymentServiceConcurrentCreateReturnsWinner(t *testing.T) {
	e := newEngine(t)
	e.seedCatalog()
	order := e.placeOrder(t, "")

	const callers = 8
	tokens := make([]string, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			session, err := e.payments.CreateSession(context.Background(), CreatePaymentCommand{OrderID: order.ID})
			if err != nil {
				t.Errorf("CreateSession: %v", err)
				return
			}
			tokens[i] = session.Token
		}(i)
	}
	wg.Wait()

	stored, err := e.orders.Get(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	for i, token := range tokens {
		if token != stored.Session.Token {
			t.Fatalf("caller %d got %s, stored %s", i, token, stored.Session.Token)
		}
	}
}

func TestPaymentServiceCreateSessionGatewayFailure(t *testing.T) {
	e := newEngine(t)
	e.seedCatalog()
	order := e.placeOrder(t, "")
	e.gateway.createFn = func(context.Context, payments.SessionRequest) (payments.Session, error) {
		return payments.Session{}, &payments.GatewayError{Gateway: "stripe", Op: "create_session", Err: errors.New("timeout")}
	}

	_, err := e.payments.CreateSession(context.Background(), CreatePaymentCommand{OrderID: order.ID})
	if !errors.Is(err, payments.ErrGateway) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	current, _ := e.orders.Get(context.Background(), order.ID)
	if current.Session != nil {
		t.Fatalf("failed creation must not store a session")
	}
}

func TestPaymentServiceCreateSessionUnknownGateway(t *testing.T) {
	e := newEngine(t)
	e.seedCatalog()
	order := e.placeOrder(t, "")

	_, err := e.payments.CreateSession(context.Background(), CreatePaymentCommand{OrderID: order.ID, Gateway: "paypal"})
	if !errors.Is(err, ErrValidation) || !errors.Is(err, payments.ErrUnsupportedGateway) {
		t.Fatalf("expected validation wrapping unsupported gateway, got %v", err)
	}
}

func TestPaymentServiceExpiredSessionPollsBeforeRenewing(t *testing.T) {
	e := newEngine(t)
	e.seedCatalog()
	order := e.placeOrder(t, "")
	ctx := context.Background()

	if _, err := e.payments.CreateSession(ctx, CreatePaymentCommand{OrderID: order.ID}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	e.clock.Advance(61 * time.Minute)
	e.gateway.pollFn = func(_ context.Context, req payments.PollRequest) (payments.PaymentEvent, error) {
		return payments.PaymentEvent{OrderReference: req.OrderReference, Status: domain.PaymentStatusPaid, Provider: "stripe", ProviderTransactionID: "cs_1"}, nil
	}

	_, err := e.payments.CreateSession(ctx, CreatePaymentCommand{OrderID: order.ID})
	if !errors.Is(err, ErrOrderStateConflict) {
		t.Fatalf("expected conflict because the old session was paid, got %v", err)
	}
	current, _ := e.orders.Get(ctx, order.ID)
	if current.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected poll result reconciled, got %s", current.PaymentStatus)
	}
	if calls := e.gateway.creates.Load(); calls != 1 {
		t.Fatalf("expected no second session, got %d creates", calls)
	}
}

func TestPaymentServiceRenewedSessionCountsAttempts(t *testing.T) {
	e := newEngine(t)
	e.seedCatalog()
	order := e.placeOrder(t, "")
	ctx := context.Background()

	var attempts []int
	e.gateway.createFn = func(_ context.Context, req payments.SessionRequest) (payments.Session, error) {
		attempts = append(attempts, req.Attempt)
		orderID := req.OrderReference
		if req.Attempt > 1 {
			orderID = fmt.Sprintf("%s.%d", req.OrderReference, req.Attempt)
		}
		return payments.Session{
			Gateway:       payments.GatewayStripe,
			Token:         "tok_" + orderID,
			TransactionID: orderID,
			ExpiresAt:     req.ExpiresAt,
		}, nil
	}
	var polled []string
	e.gateway.pollFn = func(_ context.Context, req payments.PollRequest) (payments.PaymentEvent, error) {
		polled = append(polled, req.TransactionID)
		return payments.PaymentEvent{OrderReference: req.OrderReference, Status: domain.PaymentStatusPending, Provider: "stripe"}, nil
	}

	for i := 0; i < 3; i++ {
		if _, err := e.payments.CreateSession(ctx, CreatePaymentCommand{OrderID: order.ID}); err != nil {
			t.Fatalf("CreateSession %d: %v", i+1, err)
		}
		e.clock.Advance(61 * time.Minute)
	}

	if fmt.Sprint(attempts) != "[1 2 3]" {
		t.Fatalf("expected attempts 1 2 3, got %v", attempts)
	}
	want := []string{order.Reference, order.Reference + ".2"}
	if fmt.Sprint(polled) != fmt.Sprint(want) {
		t.Fatalf("expected polls of %v, got %v", want, polled)
	}
}

func TestPaymentServiceHandleWebhook(t *testing.T) {
	e := newEngine(t)
	e.seedCatalog()
	order := e.placeOrder(t, "")
	ctx := context.Background()

	e.gateway.webhookFn = func(_ context.Context, req payments.WebhookRequest) (payments.PaymentEvent, error) {
		switch string(req.Body) {
		case "bad-signature":
			return payments.PaymentEvent{}, payments.ErrWebhookSignature
		case "unknown":
			return payments.PaymentEvent{OrderReference: "ORD-NOPE", Status: domain.PaymentStatusPaid, Provider: "stripe"}, nil
		case "ignored":
			return payments.PaymentEvent{}, payments.ErrWebhookIgnored
		}
		return payments.PaymentEvent{
			OrderReference:        order.Reference,
			Status:                domain.PaymentStatusPaid,
			Provider:              "stripe",
			ProviderTransactionID: "pi_1",
			Amount:                order.Totals.Total,
		}, nil
	}

	if _, err := e.payments.HandleWebhook(ctx, "stripe", payments.WebhookRequest{Body: []byte("bad-signature")}); !errors.Is(err, payments.ErrWebhookSignature) {
		t.Fatalf("expected signature error, got %v", err)
	}

	outcome, err := e.payments.HandleWebhook(ctx, "stripe", payments.WebhookRequest{Body: []byte("unknown")})
	if err != nil || outcome.Outcome != WebhookOutcomeUnknownOrder {
		t.Fatalf("expected unknown order outcome without error, got %+v err=%v", outcome, err)
	}

	outcome, err = e.payments.HandleWebhook(ctx, "stripe", payments.WebhookRequest{Body: []byte("ignored")})
	if err != nil || outcome.Outcome != WebhookOutcomeIgnored {
		t.Fatalf("expected ignored outcome, got %+v err=%v", outcome, err)
	}

	for i := 0; i < 2; i++ {
		outcome, err = e.payments.HandleWebhook(ctx, "stripe", payments.WebhookRequest{Body: []byte("paid")})
		if err != nil {
			t.Fatalf("HandleWebhook: %v", err)
		}
	}
	if outcome.Outcome != ReconcileOutcomeDuplicate {
		t.Fatalf("expected redelivery to be a duplicate, got %s", outcome.Outcome)
	}

	if _, err := e.payments.HandleWebhook(ctx, "paypal", payments.WebhookRequest{}); !errors.Is(err, payments.ErrUnsupportedGateway) {
		t.Fatalf("expected unsupported gateway, got %v", err)
	}

	e.store.mu.Lock()
	receipts := len(e.store.receipts)
	e.store.mu.Unlock()
	if receipts != 3 {
		t.Fatalf("expected receipts for unknown and two paid callbacks, got %d", receipts)
	}
}

func TestPaymentServiceQueryStatusPollsWhenStale(t *testing.T) {
	e := newEngine(t)
	e.seedCatalog()
	order := e.placeOrder(t, "")
	ctx := context.Background()

	if _, err := e.payments.CreateSession(ctx, CreatePaymentCommand{OrderID: order.ID}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	view, err := e.payments.QueryStatus(ctx, order.ID)
	if err != nil {
		t.Fatalf("QueryStatus: %v", err)
	}
	if view.PaymentStatus != domain.PaymentStatusPending || view.Gateway != "stripe" {
		t.Fatalf("unexpected view: %+v", view)
	}
	if polls := e.gateway.polls.Load(); polls != 1 {
		t.Fatalf("expected first query to poll, got %d", polls)
	}

	if _, err := e.payments.QueryStatus(ctx, order.ID); err != nil {
		t.Fatalf("QueryStatus cached: %v", err)
	}
	if polls := e.gateway.polls.Load(); polls != 1 {
		t.Fatalf("expected cached answer, got %d polls", polls)
	}

	e.clock.Advance(6 * time.Minute)
	e.gateway.pollFn = func(_ context.Context, req payments.PollRequest) (payments.PaymentEvent, error) {
		return payments.PaymentEvent{OrderReference: req.OrderReference, Status: domain.PaymentStatusPaid, Provider: "stripe", ProviderTransactionID: "cs_1"}, nil
	}
	view, err = e.payments.QueryStatus(ctx, order.ID)
	if err != nil {
		t.Fatalf("QueryStatus stale: %v", err)
	}
	if view.PaymentStatus != domain.PaymentStatusPaid || view.Status != domain.OrderStatusPaid {
		t.Fatalf("expected polled paid status, got %+v", view)
	}
}

func TestPaymentServicePollExpiresAbandonedSession(t *testing.T) {
	e := newEngine(t)
	e.seedCatalog()
	order := e.placeOrder(t, "")
	ctx := context.Background()

	if _, err := e.payments.CreateSession(ctx, CreatePaymentCommand{OrderID: order.ID}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	e.clock.Advance(2 * time.Hour)

	current, _ := e.orders.Get(ctx, order.ID)
	result, err := e.payments.PollOrder(ctx, current)
	if err != nil {
		t.Fatalf("PollOrder: %v", err)
	}
	if result.Order.PaymentStatus != domain.PaymentStatusExpired || result.Order.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected abandoned session expired, got %s/%s", result.Order.Status, result.Order.PaymentStatus)
	}
	if e.store.stockOf("var_a") != 10 {
		t.Fatalf("expected stock released, got %d", e.store.stockOf("var_a"))
	}
}

func TestPaymentServiceMarkPaid(t *testing.T) {
	e := newEngine(t)
	e.seedCatalog()
	order := e.placeOrder(t, "")

	result, err := e.payments.MarkPaid(context.Background(), MarkPaidCommand{OrderID: order.ID, ProofReference: "BCA-7781", ActorID: "op_1"})
	if err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	if result.Order.Status != domain.OrderStatusPaid {
		t.Fatalf("expected paid order, got %s", result.Order.Status)
	}
	rows := e.store.paymentRows(order.ID)
	if len(rows) != 1 || rows[0].ProofReference == nil || *rows[0].ProofReference != "BCA-7781" {
		t.Fatalf("unexpected payment rows: %+v", rows)
	}
	if rows[0].Amount != 50000 || rows[0].ProviderTransactionID != "manual:"+order.ID {
		t.Fatalf("unexpected payment row: %+v", rows[0])
	}
}

func TestPaymentServiceMarkPaidPollsExpiredSession(t *testing.T) {
	e := newEngine(t)
	e.seedCatalog()
	order := e.placeOrder(t, "")
	ctx := context.Background()
	e.gateway.pollFn = func(context.Context, payments.PollRequest) (payments.PaymentEvent, error) {
		event := paidEvent(order, "pi_late")
		event.Provider = payments.GatewayStripe
		return event, nil
	}

	if _, err := e.payments.CreateSession(ctx, CreatePaymentCommand{OrderID: order.ID}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := e.payments.MarkPaid(ctx, MarkPaidCommand{OrderID: order.ID, ActorID: "op_1"}); !errors.Is(err, ErrOrderStateConflict) {
		t.Fatalf("expected conflict while the session is open, got %v", err)
	}
	if polls := e.gateway.polls.Load(); polls != 0 {
		t.Fatalf("open session must not be polled, got %d", polls)
	}

	e.clock.Advance(61 * time.Minute)
	_, err := e.payments.MarkPaid(ctx, MarkPaidCommand{OrderID: order.ID, ActorID: "op_1"})
	if !errors.Is(err, ErrOrderStateConflict) {
		t.Fatalf("expected conflict once the provider reports paid, got %v", err)
	}
	if polls := e.gateway.polls.Load(); polls != 1 {
		t.Fatalf("expected one poll, got %d", polls)
	}
	rows := e.store.paymentRows(order.ID)
	if len(rows) != 1 || rows[0].Provider != payments.GatewayStripe {
		t.Fatalf("expected only the gateway payment recorded, got %+v", rows)
	}
}
