package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	domain "github.com/hanko-field/orderengine/internal/domain"
	"github.com/hanko-field/orderengine/internal/payments"
)

var testNow = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sequenceIDs() func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%06d", n.Add(1))
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []OrderEvent
	err    error
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type memoryStatusCache struct {
	mu          sync.Mutex
	views       map[string]PaymentStatusView
	invalidated []string
}

func (c *memoryStatusCache) Get(_ context.Context, orderID string) (PaymentStatusView, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	view, ok := c.views[orderID]
	return view, ok, nil
}

func (c *memoryStatusCache) Set(_ context.Context, view PaymentStatusView) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.views == nil {
		c.views = map[string]PaymentStatusView{}
	}
	c.views[view.OrderID] = view
	return nil
}

func (c *memoryStatusCache) Invalidate(_ context.Context, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.views, orderID)
	c.invalidated = append(c.invalidated, orderID)
	return nil
}

type stubGateway struct {
	name      string
	createFn  func(context.Context, payments.SessionRequest) (payments.Session, error)
	webhookFn func(context.Context, payments.WebhookRequest) (payments.PaymentEvent, error)
	pollFn    func(context.Context, payments.PollRequest) (payments.PaymentEvent, error)

	creates atomic.Int32
	polls   atomic.Int32
}

func (g *stubGateway) Name() string { return g.name }

func (g *stubGateway) CreateSession(ctx context.Context, req payments.SessionRequest) (payments.Session, error) {
	n := g.creates.Add(1)
	if g.createFn != nil {
		return g.createFn(ctx, req)
	}
	return payments.Session{
		Gateway:     g.name,
		Token:       fmt.Sprintf("tok_%s_%d", req.OrderReference, n),
		RedirectURL: "https://pay.example/" + req.OrderReference,
		ExpiresAt:   req.ExpiresAt,
	}, nil
}

func (g *stubGateway) NormalizeWebhook(ctx context.Context, req payments.WebhookRequest) (payments.PaymentEvent, error) {
	if g.webhookFn != nil {
		return g.webhookFn(ctx, req)
	}
	return payments.PaymentEvent{}, payments.ErrWebhookIgnored
}

func (g *stubGateway) PollStatus(ctx context.Context, req payments.PollRequest) (payments.PaymentEvent, error) {
	g.polls.Add(1)
	if g.pollFn != nil {
		return g.pollFn(ctx, req)
	}
	return payments.PaymentEvent{
		OrderReference: req.OrderReference,
		Status:         domain.PaymentStatusPending,
		Provider:       g.name,
	}, nil
}

// engine wires every service over one memory store the way the container does over Postgres.
type engine struct {
	store      *memoryStore
	clock      *testClock
	events     *recordingPublisher
	cache      *memoryStatusCache
	gateway    *stubGateway
	ledger     StockLedgerService
	vouchers   VoucherEngine
	orders     OrderService
	reconciler ReconciliationService
	payments   PaymentService
}

func newEngine(t *testing.T) *engine {
	t.Helper()

	store := newMemoryStore()
	clock := &testClock{now: testNow}
	events := &recordingPublisher{}
	cache := &memoryStatusCache{}
	gateway := &stubGateway{name: payments.GatewayStripe}
	ids := sequenceIDs()

	ledger, err := NewStockLedgerService(StockLedgerServiceDeps{
		Stock:       memStockRepo{store},
		UnitOfWork:  store,
		Clock:       clock.Now,
		IDGenerator: ids,
	})
	if err != nil {
		t.Fatalf("NewStockLedgerService: %v", err)
	}
	vouchers, err := NewVoucherEngine(VoucherEngineDeps{Vouchers: memVoucherRepo{store}, Clock: clock.Now})
	if err != nil {
		t.Fatalf("NewVoucherEngine: %v", err)
	}
	counters, err := NewCounterService(CounterServiceDeps{Repository: memCounterRepo{store}, Clock: clock.Now})
	if err != nil {
		t.Fatalf("NewCounterService: %v", err)
	}
	reconciler, err := NewReconciliationService(ReconciliationServiceDeps{
		Orders:      memOrderRepo{store},
		Payments:    memPaymentRepo{store},
		Stock:       ledger,
		Vouchers:    vouchers,
		StatusCache: cache,
		UnitOfWork:  store,
		Clock:       clock.Now,
		IDGenerator: ids,
		Events:      events,
	})
	if err != nil {
		t.Fatalf("NewReconciliationService: %v", err)
	}
	manager, err := payments.NewManager([]payments.Gateway{gateway})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	paymentSvc, err := NewPaymentService(PaymentServiceDeps{
		Orders:      memOrderRepo{store},
		Receipts:    memReceiptRepo{store},
		Gateways:    manager,
		Reconciler:  reconciler,
		StatusCache: cache,
		SessionTTL:  time.Hour,
		StaleAfter:  5 * time.Minute,
		Clock:       clock.Now,
		IDGenerator: ids,
		Events:      events,
	})
	if err != nil {
		t.Fatalf("NewPaymentService: %v", err)
	}

	orders, err := NewOrderService(OrderServiceDeps{
		Orders:      memOrderRepo{store},
		Stock:       ledger,
		Vouchers:    vouchers,
		Counters:    counters,
		Reconciler:  reconciler,
		Sessions:    paymentSvc,
		StatusCache: cache,
		UnitOfWork:  store,
		Clock:       clock.Now,
		IDGenerator: ids,
		Events:      events,
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	return &engine{
		store:      store,
		clock:      clock,
		events:     events,
		cache:      cache,
		gateway:    gateway,
		ledger:     ledger,
		vouchers:   vouchers,
		orders:     orders,
		reconciler: reconciler,
		payments:   paymentSvc,
	}
}

// placeOrder creates the two line order used across scenarios: 3 x 10000 and 1 x 5000 plus 15000 shipping.
func (e *engine) placeOrder(t *testing.T, voucherCode string) Order {
	t.Helper()
	order, err := e.orders.Create(context.Background(), CreateOrderCommand{
		CustomerID:        "cus_1",
		ShippingAddressID: "addr_1",
		Items: []OrderLineInput{
			{VariantID: "var_a", Quantity: 3},
			{VariantID: "var_b", Quantity: 1},
		},
		ShippingCost: 15000,
		VoucherCode:  voucherCode,
		ActorID:      "cus_1",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return order
}

func (e *engine) seedCatalog() {
	e.store.seedVariant("var_a", 10000, 10)
	e.store.seedVariant("var_b", 5000, 5)
}

func paidEvent(order Order, txID string) PaymentEvent {
	return PaymentEvent{
		OrderReference:        order.Reference,
		Status:                domain.PaymentStatusPaid,
		ProviderTransactionID: txID,
		RawStatus:             "settlement",
		Provider:              payments.GatewayMidtrans,
		Amount:                order.Totals.Total,
		OccurredAt:            testNow,
	}
}

func int64Ptr(v int64) *int64 { return &v }
