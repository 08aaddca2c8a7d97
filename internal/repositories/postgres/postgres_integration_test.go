package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/hanko-field/orderengine/internal/domain"
	"github.com/hanko-field/orderengine/internal/platform/config"
	"github.com/hanko-field/orderengine/internal/platform/pagination"
	pg "github.com/hanko-field/orderengine/internal/platform/postgres"
	"github.com/hanko-field/orderengine/internal/repositories"
	"github.com/hanko-field/orderengine/internal/services"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("orders"),
		tcpostgres.WithUsername("orders"),
		tcpostgres.WithPassword("orders"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(container)
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	_, err = pg.MigrateUp(dsn)
	require.NoError(t, err)

	pool, err := pg.Connect(ctx, config.PostgresConfig{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store, err := NewStore(pool)
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `
		INSERT INTO variants (id, product_id, product_name, label, sku, price, stock) VALUES
			('var_a', 'prd_1', 'Tee', 'S', 'TEE-S', 10000, 5),
			('var_b', 'prd_1', 'Tee', 'M', 'TEE-M', 5000, 1);
		INSERT INTO vouchers (id, code, discount_type, value, usage_limit) VALUES
			('vch_1', 'HEMAT20', 'percentage', 20, 1);`)
	require.NoError(t, err)
	return store
}

func TestStockRepositoryApplyMovement(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	err := store.UnitOfWork.RunInTx(ctx, func(ctx context.Context) error {
		variants, err := store.Stock.LockVariants(ctx, []string{"var_b", "var_a", "var_a"})
		if err != nil {
			return err
		}
		require.Len(t, variants, 2)
		return store.Stock.ApplyMovement(ctx, domain.StockMovement{
			ID:           "mv_1",
			VariantID:    "var_a",
			Type:         domain.StockMovementOut,
			Quantity:     3,
			Delta:        -3,
			BalanceAfter: variants["var_a"].Stock - 3,
			Reference:    "ORD-1",
			CreatedAt:    now,
		})
	})
	require.NoError(t, err)

	variant, err := store.Stock.FindVariant(ctx, "var_a")
	require.NoError(t, err)
	require.EqualValues(t, 2, variant.Stock)

	sum, err := store.Stock.SumMovements(ctx, "var_a")
	require.NoError(t, err)
	require.EqualValues(t, -3, sum)

	page, err := store.Stock.ListMovements(ctx, repositories.MovementListFilter{VariantID: "var_a"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, "mv_1", page.Items[0].ID)

	err = store.UnitOfWork.RunInTx(ctx, func(ctx context.Context) error {
		return store.Stock.ApplyMovement(ctx, domain.StockMovement{
			ID:           "mv_2",
			VariantID:    "var_b",
			Type:         domain.StockMovementOut,
			Quantity:     2,
			Delta:        -2,
			BalanceAfter: -1,
			CreatedAt:    now,
		})
	})
	var stockErr *repositories.StockError
	require.True(t, errors.As(err, &stockErr), "expected stock error, got %v", err)
	require.Equal(t, repositories.StockErrorNegativeBalance, stockErr.Code)

	_, err = store.Stock.LockVariants(ctx, []string{"var_a"})
	require.Error(t, err, "locks outside a transaction must fail")
}

func TestStockLedgerConcurrentReserveNeverOversells(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()

	_, err := store.Pool.Exec(ctx, `
		INSERT INTO variants (id, product_id, product_name, label, sku, price, stock)
		VALUES ('var_c', 'prd_2', 'Mug', 'One size', 'MUG-1', 7000, 0)`)
	require.NoError(t, err)

	ledger, err := services.NewStockLedgerService(services.StockLedgerServiceDeps{
		Stock:      store.Stock,
		UnitOfWork: store.UnitOfWork,
	})
	require.NoError(t, err)

	const stock, buyers = 8, 24
	_, err = ledger.ApplyChanges(ctx, []services.StockChange{{VariantID: "var_c", Delta: stock}},
		services.MovementMeta{Reason: "restock", Reference: "PO-1"})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
		mu        sync.Mutex
		failures  []error
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := ledger.ReserveAll(ctx, []services.StockLine{{VariantID: "var_c", Quantity: 1}},
				services.MovementMeta{Reason: "order", Reference: fmt.Sprintf("ORD-%d", i)})
			if err == nil {
				succeeded.Add(1)
				return
			}
			mu.Lock()
			failures = append(failures, err)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	for _, err := range failures {
		require.ErrorIs(t, err, services.ErrInsufficientStock)
	}
	require.LessOrEqual(t, succeeded.Load(), int64(stock))
	require.EqualValues(t, stock, succeeded.Load(), "every unit should sell once the pool drains")

	variant, err := store.Stock.FindVariant(ctx, "var_c")
	require.NoError(t, err)
	require.GreaterOrEqual(t, variant.Stock, int64(0))
	require.EqualValues(t, int64(stock)-succeeded.Load(), variant.Stock)

	report, err := ledger.VerifyBalance(ctx, "var_c")
	require.NoError(t, err)
	require.True(t, report.Consistent, "ledger drift %d", report.Drift)
	require.Zero(t, report.Drift)

	seen := map[string]struct{}{}
	token := ""
	for pages := 0; ; pages++ {
		require.Less(t, pages, 10, "movement pages never ended")
		page, err := store.Stock.ListMovements(ctx, repositories.MovementListFilter{
			VariantID:  "var_c",
			Pagination: domain.Pagination{PageSize: 4, PageToken: token},
		})
		require.NoError(t, err)
		for _, m := range page.Items {
			seen[m.ID] = struct{}{}
		}
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken

		_, err = store.Stock.ListMovements(ctx, repositories.MovementListFilter{
			VariantID:  "var_a",
			Pagination: domain.Pagination{PageSize: 4, PageToken: token},
		})
		require.ErrorIs(t, err, pagination.ErrInvalidPageToken)
	}
	require.Len(t, seen, stock+1, "restock plus one movement per sale")
}

func TestVoucherRepositoryIncrementUsageRespectsLimit(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	voucher, err := store.Vouchers.IncrementUsage(ctx, "vch_1", now)
	require.NoError(t, err)
	require.EqualValues(t, 1, voucher.UsedCount)

	_, err = store.Vouchers.IncrementUsage(ctx, "vch_1", now)
	var repoErr repositories.RepositoryError
	require.True(t, errors.As(err, &repoErr))
	require.True(t, repoErr.IsConflict())

	_, err = store.Vouchers.IncrementUsage(ctx, "vch_missing", now)
	require.True(t, errors.As(err, &repoErr))
	require.True(t, repoErr.IsNotFound())
}

func TestOrderRepositoryLifecycle(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	items := []domain.OrderItem{
		{VariantID: "var_a", ProductName: "Tee", Quantity: 3, UnitPrice: 10000, Subtotal: 30000},
		{VariantID: "var_b", ProductName: "Tee", Quantity: 1, UnitPrice: 5000, Subtotal: 5000},
	}
	order := domain.Order{
		ID:                "ord_1",
		Reference:         "ORD-20250101-000001",
		CustomerID:        "cus_1",
		ShippingAddressID: "adr_1",
		Currency:          "IDR",
		Status:            domain.OrderStatusPending,
		PaymentStatus:     domain.PaymentStatusPending,
		Totals:            domain.ComputeTotals(items, 15000, 0),
		Items:             items,
		Version:           1,
		OrderedAt:         now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, store.Orders.Insert(ctx, order))

	found, err := store.Orders.FindByReference(ctx, order.Reference)
	require.NoError(t, err)
	require.EqualValues(t, 50000, found.Totals.Total)
	require.Len(t, found.Items, 2)
	require.Nil(t, found.Session)

	session := domain.PaymentSession{Gateway: "stripe", Token: "cs_1", RedirectURL: "https://pay", ExpiresAt: now.Add(time.Hour), CreatedAt: now}
	attached, err := store.Orders.AttachSession(ctx, order.ID, session, now)
	require.NoError(t, err)
	require.NotNil(t, attached.Session)
	require.Equal(t, "cs_1", attached.Session.Token)

	second := session
	second.Token = "cs_2"
	raced, err := store.Orders.AttachSession(ctx, order.ID, second, now)
	require.NoError(t, err)
	require.Equal(t, "cs_1", raced.Session.Token, "live session must not be replaced")

	paidAt := now.Add(time.Minute)
	raced.Status = domain.OrderStatusPaid
	raced.PaymentStatus = domain.PaymentStatusPaid
	raced.PaidAt = &paidAt
	updated, err := store.Orders.Update(ctx, raced)
	require.NoError(t, err)
	require.Equal(t, raced.Version+1, updated.Version)

	_, err = store.Orders.Update(ctx, raced)
	var repoErr repositories.RepositoryError
	require.True(t, errors.As(err, &repoErr))
	require.True(t, repoErr.IsConflict(), "stale version must conflict")

	payment := domain.OrderPayment{
		ID:                    "pay_1",
		OrderID:               order.ID,
		Provider:              "stripe",
		Amount:                50000,
		Currency:              "IDR",
		ProviderTransactionID: "pi_1",
		PaidAt:                paidAt,
		CreatedAt:             paidAt,
	}
	require.NoError(t, store.OrderPayments.Insert(ctx, payment))
	payment.ID = "pay_2"
	err = store.OrderPayments.Insert(ctx, payment)
	require.True(t, errors.As(err, &repoErr))
	require.True(t, repoErr.IsConflict())

	payments, err := store.OrderPayments.ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)

	awaiting, err := store.Orders.ListAwaitingPayment(ctx, repositories.AwaitingPaymentFilter{CheckedBefore: now})
	require.NoError(t, err)
	require.Empty(t, awaiting)

	deletedAt := now.Add(2 * time.Minute)
	updated.DeletedAt = &deletedAt
	_, err = store.Orders.Update(ctx, updated)
	require.NoError(t, err)

	_, err = store.Orders.FindByID(ctx, order.ID)
	require.True(t, errors.As(err, &repoErr))
	require.True(t, repoErr.IsNotFound())
}

func TestCounterRepositoryNext(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()

	first, err := store.Counters.Next(ctx, "orders:20250101", 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, first)

	second, err := store.Counters.Next(ctx, "orders:20250101", 0)
	require.NoError(t, err)
	require.EqualValues(t, 2, second)

	_, err = store.Counters.Next(ctx, "", 1)
	require.ErrorIs(t, err, repositories.ErrInvalidCounter)
	_, err = store.Counters.Next(ctx, "orders:20250101", -1)
	var counterErr *repositories.CounterError
	require.True(t, errors.As(err, &counterErr))
	require.Equal(t, "orders:20250101", counterErr.CounterID)

	third, err := store.Counters.Next(ctx, "orders:20250101", 1)
	require.NoError(t, err)
	require.EqualValues(t, 3, third, "rejected calls must not consume numbers")
}
