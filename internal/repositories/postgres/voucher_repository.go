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

// VoucherRepository reads vouchers and maintains usage counters.
type VoucherRepository struct {
	pool *pgxpool.Pool
}

var _ repositories.VoucherRepository = (*VoucherRepository)(nil)

// NewVoucherRepository constructs the voucher repository.
func NewVoucherRepository(pool *pgxpool.Pool) (*VoucherRepository, error) {
	if pool == nil {
		return nil, errors.New("voucher repository: pool is required")
	}
	return &VoucherRepository{pool: pool}, nil
}

const voucherColumns = `id, code, description, discount_type, value, minimum_amount, maximum_discount,
	usage_limit, used_count, starts_at, ends_at, active, created_at, updated_at`

func (r *VoucherRepository) FindByCode(ctx context.Context, code string) (domain.Voucher, error) {
	row := pg.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+voucherColumns+` FROM vouchers WHERE code = $1`, code)
	voucher, err := scanVoucher(row)
	if err != nil {
		return domain.Voucher{}, pg.WrapError("vouchers.find_by_code", err)
	}
	return voucher, nil
}

func (r *VoucherRepository) FindByID(ctx context.Context, voucherID string) (domain.Voucher, error) {
	row := pg.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+voucherColumns+` FROM vouchers WHERE id = $1`, voucherID)
	voucher, err := scanVoucher(row)
	if err != nil {
		return domain.Voucher{}, pg.WrapError("vouchers.find_by_id", err)
	}
	return voucher, nil
}

func (r *VoucherRepository) IncrementUsage(ctx context.Context, voucherID string, now time.Time) (domain.Voucher, error) {
	conn := pg.Conn(ctx, r.pool)
	row := conn.QueryRow(ctx, `
		UPDATE vouchers SET used_count = used_count + 1, updated_at = $2
		WHERE id = $1 AND (usage_limit IS NULL OR used_count < usage_limit)
		RETURNING `+voucherColumns, voucherID, now)
	voucher, err := scanVoucher(row)
	if err == nil {
		return voucher, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Voucher{}, pg.WrapError("vouchers.increment_usage", err)
	}

	var exists bool
	if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM vouchers WHERE id = $1)`, voucherID).Scan(&exists); err != nil {
		return domain.Voucher{}, pg.WrapError("vouchers.increment_usage", err)
	}
	if !exists {
		return domain.Voucher{}, pg.NotFound("vouchers.increment_usage", "voucher %s not found", voucherID)
	}
	return domain.Voucher{}, pg.Conflict("vouchers.increment_usage", "voucher %s usage limit reached", voucherID)
}

func scanVoucher(row rowScanner) (domain.Voucher, error) {
	var (
		v            domain.Voucher
		discountType string
	)
	err := row.Scan(
		&v.ID,
		&v.Code,
		&v.Description,
		&discountType,
		&v.Value,
		&v.MinimumAmount,
		&v.MaximumDiscount,
		&v.UsageLimit,
		&v.UsedCount,
		&v.StartsAt,
		&v.EndsAt,
		&v.Active,
		&v.CreatedAt,
		&v.UpdatedAt,
	)
	if err != nil {
		return domain.Voucher{}, err
	}
	v.DiscountType = domain.VoucherDiscountType(discountType)
	v.StartsAt = utcPtr(v.StartsAt)
	v.EndsAt = utcPtr(v.EndsAt)
	v.CreatedAt = v.CreatedAt.UTC()
	v.UpdatedAt = v.UpdatedAt.UTC()
	return v, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
