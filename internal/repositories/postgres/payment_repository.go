package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hanko-field/orderengine/internal/domain"
	pg "github.com/hanko-field/orderengine/internal/platform/postgres"
	"github.com/hanko-field/orderengine/internal/repositories"
)

// OrderPaymentRepository persists payment records.
type OrderPaymentRepository struct {
	pool *pgxpool.Pool
}

var _ repositories.OrderPaymentRepository = (*OrderPaymentRepository)(nil)

// NewOrderPaymentRepository constructs the payment repository.
func NewOrderPaymentRepository(pool *pgxpool.Pool) (*OrderPaymentRepository, error) {
	if pool == nil {
		return nil, errors.New("order payment repository: pool is required")
	}
	return &OrderPaymentRepository{pool: pool}, nil
}

func (r *OrderPaymentRepository) Insert(ctx context.Context, payment domain.OrderPayment) error {
	metadata := payment.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("order payments: encode metadata: %w", err)
	}

	// DO NOTHING keeps the surrounding transaction usable when the row already exists.
	tag, err := pg.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO order_payments (id, order_id, provider, amount, currency, provider_transaction_id,
			proof_reference, verified_by, metadata, paid_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (order_id, provider_transaction_id) DO NOTHING`,
		payment.ID,
		payment.OrderID,
		payment.Provider,
		payment.Amount,
		payment.Currency,
		payment.ProviderTransactionID,
		payment.ProofReference,
		payment.VerifiedBy,
		raw,
		payment.PaidAt,
		payment.CreatedAt,
	)
	if err != nil {
		return pg.WrapError("order_payments.insert", err)
	}
	if tag.RowsAffected() == 0 {
		return pg.Conflict("order_payments.insert", "payment %s already recorded for order %s", payment.ProviderTransactionID, payment.OrderID)
	}
	return nil
}

func (r *OrderPaymentRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.OrderPayment, error) {
	rows, err := pg.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, order_id, provider, amount, currency, provider_transaction_id, proof_reference,
			verified_by, metadata, paid_at, created_at
		FROM order_payments WHERE order_id = $1 ORDER BY paid_at, id`, orderID)
	if err != nil {
		return nil, pg.WrapError("order_payments.list", err)
	}
	payments, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.OrderPayment, error) {
		var (
			p   domain.OrderPayment
			raw []byte
		)
		if err := row.Scan(&p.ID, &p.OrderID, &p.Provider, &p.Amount, &p.Currency, &p.ProviderTransactionID,
			&p.ProofReference, &p.VerifiedBy, &raw, &p.PaidAt, &p.CreatedAt); err != nil {
			return domain.OrderPayment{}, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p.Metadata); err != nil {
				return domain.OrderPayment{}, fmt.Errorf("decode metadata: %w", err)
			}
		}
		p.PaidAt = p.PaidAt.UTC()
		p.CreatedAt = p.CreatedAt.UTC()
		return p, nil
	})
	if err != nil {
		return nil, pg.WrapError("order_payments.list", err)
	}
	return payments, nil
}
