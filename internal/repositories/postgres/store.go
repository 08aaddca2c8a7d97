package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"

	pg "github.com/hanko-field/orderengine/internal/platform/postgres"
)

// Store bundles the Postgres-backed repositories sharing one pool and unit of work.
type Store struct {
	Pool          *pgxpool.Pool
	UnitOfWork    *pg.UnitOfWork
	Stock         *StockRepository
	Vouchers      *VoucherRepository
	Orders        *OrderRepository
	OrderPayments *OrderPaymentRepository
	Counters      *CounterRepository
}

// NewStore wires every repository against pool.
func NewStore(pool *pgxpool.Pool, opts ...pg.TxOption) (*Store, error) {
	if pool == nil {
		return nil, errors.New("postgres store: pool is required")
	}
	stock, err := NewStockRepository(pool)
	if err != nil {
		return nil, err
	}
	vouchers, err := NewVoucherRepository(pool)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(pool)
	if err != nil {
		return nil, err
	}
	payments, err := NewOrderPaymentRepository(pool)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(pool)
	if err != nil {
		return nil, err
	}
	return &Store{
		Pool:          pool,
		UnitOfWork:    pg.NewUnitOfWork(pool, opts...),
		Stock:         stock,
		Vouchers:      vouchers,
		Orders:        orders,
		OrderPayments: payments,
		Counters:      counters,
	}, nil
}
