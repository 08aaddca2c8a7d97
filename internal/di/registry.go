package di

import (
	"context"
	"errors"

	"github.com/hanko-field/orderengine/internal/repositories"
	"github.com/hanko-field/orderengine/internal/repositories/postgres"
)

type registry struct {
	store    *postgres.Store
	receipts repositories.WebhookReceiptRepository
	health   repositories.HealthRepository
	closers  []func(context.Context) error
}

// NewRegistry exposes the Postgres store plus the Firestore receipt log as a repositories.Registry.
// Closers run in reverse order on Close.
func NewRegistry(store *postgres.Store, receipts repositories.WebhookReceiptRepository, health repositories.HealthRepository, closers ...func(context.Context) error) (repositories.Registry, error) {
	if store == nil {
		return nil, errors.New("registry: postgres store is required")
	}
	return &registry{
		store:    store,
		receipts: receipts,
		health:   health,
		closers:  closers,
	}, nil
}

func (r *registry) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if r.closers[i] == nil {
			continue
		}
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if r.store.Pool != nil {
		r.store.Pool.Close()
	}
	return errors.Join(errs...)
}

func (r *registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.store.UnitOfWork.RunInTx(ctx, fn)
}

func (r *registry) Stock() repositories.StockRepository { return r.store.Stock }

func (r *registry) Vouchers() repositories.VoucherRepository { return r.store.Vouchers }

func (r *registry) Orders() repositories.OrderRepository { return r.store.Orders }

func (r *registry) OrderPayments() repositories.OrderPaymentRepository {
	return r.store.OrderPayments
}

func (r *registry) Counters() repositories.CounterRepository { return r.store.Counters }

func (r *registry) WebhookReceipts() repositories.WebhookReceiptRepository { return r.receipts }

func (r *registry) Health() repositories.HealthRepository { return r.health }
