package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hanko-field/orderengine/internal/domain"
	pg "github.com/hanko-field/orderengine/internal/platform/postgres"
	"github.com/hanko-field/orderengine/internal/repositories"
)

const defaultAwaitingPaymentLimit = 50

// OrderRepository persists orders and their items. Soft-deleted orders are invisible to every read.
type OrderRepository struct {
	pool *pgxpool.Pool
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs the order repository.
func NewOrderRepository(pool *pgxpool.Pool) (*OrderRepository, error) {
	if pool == nil {
		return nil, errors.New("order repository: pool is required")
	}
	return &OrderRepository{pool: pool}, nil
}

const orderColumns = `id, reference, customer_id, shipping_address_id, currency, status, payment_status,
	subtotal, discount, shipping_cost, total, voucher_id, voucher_code,
	gateway, session_token, session_redirect_url, session_transaction_id, session_expires_at, session_created_at,
	voucher_counted, stock_released, courier, courier_service, tracking_number, created_by, version,
	ordered_at, paid_at, shipped_at, delivered_at, cancelled_at, cancel_reason, payment_checked_at,
	deleted_at, created_at, updated_at`

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	return r.withTx(ctx, "orders.insert", func(conn pg.Querier) error {
		session := sessionColumns(order.Session)
		_, err := conn.Exec(ctx, `
			INSERT INTO orders (`+orderColumns+`, payment_status_rank)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19,
				$20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33, $34, $35, $36, $37)`,
			order.ID,
			order.Reference,
			order.CustomerID,
			order.ShippingAddressID,
			order.Currency,
			string(order.Status),
			string(order.PaymentStatus),
			order.Totals.Subtotal,
			order.Totals.Discount,
			order.Totals.Shipping,
			order.Totals.Total,
			order.VoucherID,
			order.VoucherCode,
			session.gateway,
			session.token,
			session.redirectURL,
			session.transactionID,
			session.expiresAt,
			session.createdAt,
			order.VoucherCounted,
			order.StockReleased,
			order.Shipping.Courier,
			order.Shipping.Service,
			order.Shipping.TrackingNumber,
			order.CreatedBy,
			order.Version,
			order.OrderedAt,
			order.PaidAt,
			order.ShippedAt,
			order.DeliveredAt,
			order.CancelledAt,
			order.CancelReason,
			order.PaymentCheckedAt,
			order.DeletedAt,
			order.CreatedAt,
			order.UpdatedAt,
			order.PaymentStatus.Rank(),
		)
		if err != nil {
			return err
		}
		return insertItems(ctx, conn, order.ID, order.Items)
	})
}

func (r *OrderRepository) Update(ctx context.Context, order domain.Order) (domain.Order, error) {
	err := r.withTx(ctx, "orders.update", func(conn pg.Querier) error {
		session := sessionColumns(order.Session)
		tag, err := conn.Exec(ctx, `
			UPDATE orders SET
				status = $3, payment_status = $4, payment_status_rank = $5,
				subtotal = $6, discount = $7, shipping_cost = $8, total = $9,
				voucher_id = $10, voucher_code = $11,
				gateway = $12, session_token = $13, session_redirect_url = $14, session_transaction_id = $15,
				session_expires_at = $16, session_created_at = $17,
				voucher_counted = $18, stock_released = $19,
				courier = $20, courier_service = $21, tracking_number = $22,
				paid_at = $23, shipped_at = $24, delivered_at = $25, cancelled_at = $26, cancel_reason = $27,
				payment_checked_at = $28, deleted_at = $29, updated_at = $30,
				version = version + 1
			WHERE id = $1 AND version = $2 AND deleted_at IS NULL`,
			order.ID,
			order.Version,
			string(order.Status),
			string(order.PaymentStatus),
			order.PaymentStatus.Rank(),
			order.Totals.Subtotal,
			order.Totals.Discount,
			order.Totals.Shipping,
			order.Totals.Total,
			order.VoucherID,
			order.VoucherCode,
			session.gateway,
			session.token,
			session.redirectURL,
			session.transactionID,
			session.expiresAt,
			session.createdAt,
			order.VoucherCounted,
			order.StockReleased,
			order.Shipping.Courier,
			order.Shipping.Service,
			order.Shipping.TrackingNumber,
			order.PaidAt,
			order.ShippedAt,
			order.DeliveredAt,
			order.CancelledAt,
			order.CancelReason,
			order.PaymentCheckedAt,
			order.DeletedAt,
			order.UpdatedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return pg.Conflict("orders.update", "order %s was modified concurrently", order.ID)
		}

		if _, err := conn.Exec(ctx, `DELETE FROM order_items WHERE order_id = $1`, order.ID); err != nil {
			return err
		}
		return insertItems(ctx, conn, order.ID, order.Items)
	})
	if err != nil {
		return domain.Order{}, err
	}
	order.Version++
	return order, nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	return r.findOne(ctx, "orders.find_by_id", `SELECT `+orderColumns+` FROM orders WHERE id = $1 AND deleted_at IS NULL`, orderID)
}

func (r *OrderRepository) FindByReference(ctx context.Context, reference string) (domain.Order, error) {
	return r.findOne(ctx, "orders.find_by_reference", `SELECT `+orderColumns+` FROM orders WHERE reference = $1 AND deleted_at IS NULL`, reference)
}

func (r *OrderRepository) LockByID(ctx context.Context, orderID string) (domain.Order, error) {
	if !pg.InTx(ctx) {
		return domain.Order{}, pg.WrapError("orders.lock", errors.New("row locks require a transaction"))
	}
	return r.findOne(ctx, "orders.lock", `SELECT `+orderColumns+` FROM orders WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, orderID)
}

func (r *OrderRepository) LockByReference(ctx context.Context, reference string) (domain.Order, error) {
	if !pg.InTx(ctx) {
		return domain.Order{}, pg.WrapError("orders.lock", errors.New("row locks require a transaction"))
	}
	return r.findOne(ctx, "orders.lock", `SELECT `+orderColumns+` FROM orders WHERE reference = $1 AND deleted_at IS NULL FOR UPDATE`, reference)
}

func (r *OrderRepository) AttachSession(ctx context.Context, orderID string, session domain.PaymentSession, now time.Time) (domain.Order, error) {
	cols := sessionColumns(&session)
	_, err := pg.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE orders SET
			gateway = $2, session_token = $3, session_redirect_url = $4, session_transaction_id = $5,
			session_expires_at = $6, session_created_at = $7, updated_at = $8, version = version + 1
		WHERE id = $1 AND deleted_at IS NULL AND status = 'pending'
			AND (session_token IS NULL OR (session_expires_at IS NOT NULL AND session_expires_at <= $8))`,
		orderID, cols.gateway, cols.token, cols.redirectURL, cols.transactionID, cols.expiresAt, cols.createdAt, now)
	if err != nil {
		return domain.Order{}, pg.WrapError("orders.attach_session", err)
	}
	// Losing the race is not an error: the caller inspects the stored session.
	return r.FindByID(ctx, orderID)
}

func (r *OrderRepository) TouchPaymentCheck(ctx context.Context, orderID string, checkedAt time.Time) error {
	_, err := pg.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE orders SET payment_checked_at = $2 WHERE id = $1`, orderID, checkedAt)
	return pg.WrapError("orders.touch_payment_check", err)
}

// ListAwaitingPayment returns order headers only; items are not loaded.
func (r *OrderRepository) ListAwaitingPayment(ctx context.Context, filter repositories.AwaitingPaymentFilter) ([]domain.Order, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAwaitingPaymentLimit
	}
	rows, err := pg.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = 'pending' AND gateway IS NOT NULL AND deleted_at IS NULL
			AND (payment_checked_at IS NULL OR payment_checked_at < $1)
		ORDER BY payment_checked_at NULLS FIRST, created_at
		LIMIT $2`, filter.CheckedBefore, limit)
	if err != nil {
		return nil, pg.WrapError("orders.list_awaiting_payment", err)
	}
	orders, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Order, error) {
		return scanOrder(row)
	})
	if err != nil {
		return nil, pg.WrapError("orders.list_awaiting_payment", err)
	}
	return orders, nil
}

func (r *OrderRepository) findOne(ctx context.Context, op string, query string, arg string) (domain.Order, error) {
	conn := pg.Conn(ctx, r.pool)
	order, err := scanOrder(conn.QueryRow(ctx, query, arg))
	if err != nil {
		return domain.Order{}, pg.WrapError(op, err)
	}
	items, err := loadItems(ctx, conn, order.ID)
	if err != nil {
		return domain.Order{}, pg.WrapError(op, err)
	}
	order.Items = items
	return order, nil
}

// withTx joins the ambient transaction or opens one for multi-statement writes.
func (r *OrderRepository) withTx(ctx context.Context, op string, fn func(conn pg.Querier) error) error {
	if pg.InTx(ctx) {
		return pg.WrapError(op, fn(pg.Conn(ctx, r.pool)))
	}
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(tx)
	})
	return pg.WrapError(op, err)
}

func insertItems(ctx context.Context, conn pg.Querier, orderID string, items []domain.OrderItem) error {
	for i, item := range items {
		_, err := conn.Exec(ctx, `
			INSERT INTO order_items (order_id, position, variant_id, product_name, variant_label, sku, quantity, unit_price, subtotal)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			orderID, i, item.VariantID, item.ProductName, item.VariantLabel, item.SKU, item.Quantity, item.UnitPrice, item.Subtotal)
		if err != nil {
			return err
		}
	}
	return nil
}

func loadItems(ctx context.Context, conn pg.Querier, orderID string) ([]domain.OrderItem, error) {
	rows, err := conn.Query(ctx, `
		SELECT variant_id, product_name, variant_label, sku, quantity, unit_price, subtotal
		FROM order_items WHERE order_id = $1 ORDER BY position`, orderID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.OrderItem, error) {
		var item domain.OrderItem
		err := row.Scan(&item.VariantID, &item.ProductName, &item.VariantLabel, &item.SKU, &item.Quantity, &item.UnitPrice, &item.Subtotal)
		return item, err
	})
}

type sessionRow struct {
	gateway       *string
	token         *string
	redirectURL   *string
	transactionID *string
	expiresAt     *time.Time
	createdAt     *time.Time
}

func sessionColumns(session *domain.PaymentSession) sessionRow {
	if session == nil || session.Gateway == "" {
		return sessionRow{}
	}
	return sessionRow{
		gateway:       &session.Gateway,
		token:         &session.Token,
		redirectURL:   &session.RedirectURL,
		transactionID: &session.TransactionID,
		expiresAt:     timePtr(session.ExpiresAt),
		createdAt:     timePtr(session.CreatedAt),
	}
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		o             domain.Order
		status        string
		paymentStatus string
		session       sessionRow
	)
	err := row.Scan(
		&o.ID,
		&o.Reference,
		&o.CustomerID,
		&o.ShippingAddressID,
		&o.Currency,
		&status,
		&paymentStatus,
		&o.Totals.Subtotal,
		&o.Totals.Discount,
		&o.Totals.Shipping,
		&o.Totals.Total,
		&o.VoucherID,
		&o.VoucherCode,
		&session.gateway,
		&session.token,
		&session.redirectURL,
		&session.transactionID,
		&session.expiresAt,
		&session.createdAt,
		&o.VoucherCounted,
		&o.StockReleased,
		&o.Shipping.Courier,
		&o.Shipping.Service,
		&o.Shipping.TrackingNumber,
		&o.CreatedBy,
		&o.Version,
		&o.OrderedAt,
		&o.PaidAt,
		&o.ShippedAt,
		&o.DeliveredAt,
		&o.CancelledAt,
		&o.CancelReason,
		&o.PaymentCheckedAt,
		&o.DeletedAt,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Status = domain.OrderStatus(status)
	o.PaymentStatus = domain.PaymentStatus(paymentStatus)
	if session.gateway != nil && *session.gateway != "" {
		o.Session = &domain.PaymentSession{
			Gateway:       *session.gateway,
			Token:         deref(session.token),
			RedirectURL:   deref(session.redirectURL),
			TransactionID: deref(session.transactionID),
		}
		if session.expiresAt != nil {
			o.Session.ExpiresAt = session.expiresAt.UTC()
		}
		if session.createdAt != nil {
			o.Session.CreatedAt = session.createdAt.UTC()
		}
	}
	o.OrderedAt = o.OrderedAt.UTC()
	o.PaidAt = utcPtr(o.PaidAt)
	o.ShippedAt = utcPtr(o.ShippedAt)
	o.DeliveredAt = utcPtr(o.DeliveredAt)
	o.CancelledAt = utcPtr(o.CancelledAt)
	o.PaymentCheckedAt = utcPtr(o.PaymentCheckedAt)
	o.DeletedAt = utcPtr(o.DeletedAt)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
