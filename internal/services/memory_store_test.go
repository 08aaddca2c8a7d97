package services

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	domain "github.com/hanko-field/orderengine/internal/domain"
	"github.com/hanko-field/orderengine/internal/repositories"
)

// memoryStore is a transactional in-memory backing for the repository interfaces. Transactions
// are serialized and roll back to a snapshot on error, which mirrors the row locks the Postgres
// store takes for the paths under test.
type memoryStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	variants  map[string]domain.Variant
	movements []domain.StockMovement
	vouchers  map[string]domain.Voucher
	orders    map[string]domain.Order
	payments  []domain.OrderPayment
	counters  map[string]int64
	receipts  []domain.WebhookReceipt
}

type memTxKey struct{}

type memError struct {
	msg      string
	notFound bool
	conflict bool
}

func (e memError) Error() string       { return e.msg }
func (e memError) IsNotFound() bool    { return e.notFound }
func (e memError) IsConflict() bool    { return e.conflict }
func (e memError) IsUnavailable() bool { return false }

func newMemoryStore() *memoryStore {
	return &memoryStore{
		variants: map[string]domain.Variant{},
		vouchers: map[string]domain.Voucher{},
		orders:   map[string]domain.Order{},
		counters: map[string]int64{},
	}
}

// seedVariant books the opening stock as a movement so the ledger sum matches the counter.
func (m *memoryStore) seedVariant(id string, price, stock int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.variants[id] = domain.Variant{
		ID:          id,
		ProductID:   "prod_" + id,
		ProductName: "Product " + id,
		Label:       "Default",
		SKU:         "SKU-" + id,
		Price:       price,
		Stock:       stock,
	}
	if stock != 0 {
		m.movements = append(m.movements, domain.StockMovement{
			ID:           "mv_seed_" + id,
			VariantID:    id,
			Type:         domain.StockMovementAdjustment,
			Quantity:     stock,
			Delta:        stock,
			BalanceAfter: stock,
			Reason:       "opening balance",
			CreatedBy:    "seed",
		})
	}
}

// seedVariantPrice changes the catalog price without touching stock.
func (m *memoryStore) seedVariantPrice(id string, price int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	variant := m.variants[id]
	variant.Price = price
	m.variants[id] = variant
}

func (m *memoryStore) seedVoucher(v domain.Voucher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vouchers[v.ID] = v
}

func (m *memoryStore) stockOf(id string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.variants[id].Stock
}

func (m *memoryStore) movementCount(reference string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, mv := range m.movements {
		if mv.Reference == reference && mv.CreatedBy != "seed" {
			count++
		}
	}
	return count
}

func (m *memoryStore) orderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *memoryStore) voucherUsage(id string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vouchers[id].UsedCount
}

func (m *memoryStore) paymentRows(orderID string) []domain.OrderPayment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []domain.OrderPayment
	for _, p := range m.payments {
		if p.OrderID == orderID {
			rows = append(rows, p)
		}
	}
	return rows
}

func (m *memoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	snapshot := m.snapshot()
	m.mu.Unlock()

	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.mu.Lock()
		m.restore(snapshot)
		m.mu.Unlock()
		return err
	}
	return nil
}

type memSnapshot struct {
	variants  map[string]domain.Variant
	movements []domain.StockMovement
	vouchers  map[string]domain.Voucher
	orders    map[string]domain.Order
	payments  []domain.OrderPayment
	counters  map[string]int64
}

func (m *memoryStore) snapshot() memSnapshot {
	orders := make(map[string]domain.Order, len(m.orders))
	for id, order := range m.orders {
		orders[id] = cloneOrder(order)
	}
	return memSnapshot{
		variants:  maps.Clone(m.variants),
		movements: slices.Clone(m.movements),
		vouchers:  maps.Clone(m.vouchers),
		orders:    orders,
		payments:  slices.Clone(m.payments),
		counters:  maps.Clone(m.counters),
	}
}

func (m *memoryStore) restore(s memSnapshot) {
	m.variants = s.variants
	m.movements = s.movements
	m.vouchers = s.vouchers
	m.orders = s.orders
	m.payments = s.payments
	m.counters = s.counters
}

func cloneOrder(order domain.Order) domain.Order {
	order.Items = slices.Clone(order.Items)
	return order
}

func requireTx(ctx context.Context, op string) error {
	if ctx.Value(memTxKey{}) == nil {
		return fmt.Errorf("%s: transaction required", op)
	}
	return nil
}

// Stock ---------------------------------------------------------------------

type memStockRepo struct{ *memoryStore }

func (r memStockRepo) LockVariants(ctx context.Context, ids []string) (map[string]domain.Variant, error) {
	if err := requireTx(ctx, "stock.lock"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	locked := make(map[string]domain.Variant, len(ids))
	for _, id := range ids {
		variant, ok := r.variants[id]
		if !ok {
			return nil, repositories.NewStockError(repositories.StockErrorVariantNotFound, id, "variant not found", nil)
		}
		locked[id] = variant
	}
	return locked, nil
}

func (r memStockRepo) FindVariant(_ context.Context, id string) (domain.Variant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	variant, ok := r.variants[id]
	if !ok {
		return domain.Variant{}, repositories.NewStockError(repositories.StockErrorVariantNotFound, id, "variant not found", nil)
	}
	return variant, nil
}

func (r memStockRepo) ApplyMovement(ctx context.Context, movement domain.StockMovement) error {
	if err := requireTx(ctx, "stock.apply"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	variant, ok := r.variants[movement.VariantID]
	if !ok {
		return repositories.NewStockError(repositories.StockErrorVariantNotFound, movement.VariantID, "variant not found", nil)
	}
	if movement.BalanceAfter < 0 {
		return repositories.NewStockError(repositories.StockErrorNegativeBalance, movement.VariantID, "negative balance", nil)
	}
	variant.Stock = movement.BalanceAfter
	r.variants[variant.ID] = variant
	r.movements = append(r.movements, movement)
	return nil
}

func (r memStockRepo) ListMovements(_ context.Context, filter repositories.MovementListFilter) (domain.CursorPage[domain.StockMovement], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []domain.StockMovement
	for i := len(r.movements) - 1; i >= 0; i-- {
		if r.movements[i].VariantID == filter.VariantID {
			items = append(items, r.movements[i])
		}
	}
	if size := filter.Pagination.PageSize; size > 0 && len(items) > size {
		items = items[:size]
	}
	return domain.CursorPage[domain.StockMovement]{Items: items}, nil
}

func (r memStockRepo) SumMovements(_ context.Context, id string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum int64
	for _, mv := range r.movements {
		if mv.VariantID == id {
			sum += mv.Delta
		}
	}
	return sum, nil
}

// Vouchers ------------------------------------------------------------------

type memVoucherRepo struct{ *memoryStore }

func (r memVoucherRepo) FindByCode(_ context.Context, code string) (domain.Voucher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.vouchers {
		if v.Code == code {
			return v, nil
		}
	}
	return domain.Voucher{}, memError{msg: "voucher not found", notFound: true}
}

func (r memVoucherRepo) FindByID(_ context.Context, id string) (domain.Voucher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.vouchers[id]
	if !ok {
		return domain.Voucher{}, memError{msg: "voucher not found", notFound: true}
	}
	return v, nil
}

func (r memVoucherRepo) IncrementUsage(_ context.Context, id string, now time.Time) (domain.Voucher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.vouchers[id]
	if !ok {
		return domain.Voucher{}, memError{msg: "voucher not found", notFound: true}
	}
	if v.UsageLimit != nil && v.UsedCount >= *v.UsageLimit {
		return domain.Voucher{}, memError{msg: "usage limit reached", conflict: true}
	}
	v.UsedCount++
	v.UpdatedAt = now
	r.vouchers[id] = v
	return v, nil
}

// Orders --------------------------------------------------------------------

type memOrderRepo struct{ *memoryStore }

func (r memOrderRepo) Insert(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orders[order.ID]; exists {
		return memError{msg: "order exists", conflict: true}
	}
	for _, existing := range r.orders {
		if existing.Reference == order.Reference {
			return memError{msg: "reference exists", conflict: true}
		}
	}
	order.Version = 1
	r.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r memOrderRepo) Update(_ context.Context, order domain.Order) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.orders[order.ID]
	if !ok {
		return domain.Order{}, memError{msg: "order not found", notFound: true}
	}
	if stored.Version != order.Version {
		return domain.Order{}, memError{msg: "stale order version", conflict: true}
	}
	order.Version++
	r.orders[order.ID] = cloneOrder(order)
	return cloneOrder(order), nil
}

func (r memOrderRepo) find(match func(domain.Order) bool) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, order := range r.orders {
		if order.DeletedAt == nil && match(order) {
			return cloneOrder(order), nil
		}
	}
	return domain.Order{}, memError{msg: "order not found", notFound: true}
}

func (r memOrderRepo) FindByID(_ context.Context, id string) (domain.Order, error) {
	return r.find(func(o domain.Order) bool { return o.ID == id })
}

func (r memOrderRepo) FindByReference(_ context.Context, ref string) (domain.Order, error) {
	return r.find(func(o domain.Order) bool { return o.Reference == ref })
}

func (r memOrderRepo) LockByID(ctx context.Context, id string) (domain.Order, error) {
	if err := requireTx(ctx, "orders.lock"); err != nil {
		return domain.Order{}, err
	}
	return r.FindByID(ctx, id)
}

func (r memOrderRepo) LockByReference(ctx context.Context, ref string) (domain.Order, error) {
	if err := requireTx(ctx, "orders.lock"); err != nil {
		return domain.Order{}, err
	}
	return r.FindByReference(ctx, ref)
}

func (r memOrderRepo) AttachSession(_ context.Context, id string, session domain.PaymentSession, now time.Time) (domain.Order, error) {
	r.mu.Lock()
	order, ok := r.orders[id]
	if ok && order.DeletedAt == nil && order.Status == domain.OrderStatusPending &&
		(order.Session == nil || order.Session.Expired(now)) {
		order.Session = &session
		order.UpdatedAt = now
		order.Version++
		r.orders[id] = order
	}
	r.mu.Unlock()
	return r.FindByID(context.Background(), id)
}

func (r memOrderRepo) TouchPaymentCheck(_ context.Context, id string, checkedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[id]
	if !ok {
		return memError{msg: "order not found", notFound: true}
	}
	order.PaymentCheckedAt = &checkedAt
	r.orders[id] = order
	return nil
}

func (r memOrderRepo) ListAwaitingPayment(_ context.Context, filter repositories.AwaitingPaymentFilter) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, order := range r.orders {
		if order.DeletedAt != nil || order.Status != domain.OrderStatusPending || !order.HasGatewaySession() {
			continue
		}
		if order.PaymentCheckedAt != nil && !order.PaymentCheckedAt.Before(filter.CheckedBefore) {
			continue
		}
		out = append(out, cloneOrder(order))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Payments, counters, receipts -------------------------------------------------

type memPaymentRepo struct{ *memoryStore }

func (r memPaymentRepo) Insert(_ context.Context, payment domain.OrderPayment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.OrderID == payment.OrderID && p.ProviderTransactionID == payment.ProviderTransactionID {
			return memError{msg: "payment exists", conflict: true}
		}
	}
	r.payments = append(r.payments, payment)
	return nil
}

func (r memPaymentRepo) ListByOrder(_ context.Context, orderID string) ([]domain.OrderPayment, error) {
	return r.paymentRows(orderID), nil
}

type memCounterRepo struct{ *memoryStore }

func (r memCounterRepo) Next(_ context.Context, id string, step int64) (int64, error) {
	if step <= 0 {
		return 0, &repositories.CounterError{CounterID: id, Step: step, Reason: "step must be positive"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[id] += step
	return r.counters[id], nil
}

type memReceiptRepo struct{ *memoryStore }

func (r memReceiptRepo) Append(_ context.Context, receipt domain.WebhookReceipt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receipts = append(r.receipts, receipt)
	return nil
}
