package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	domain "github.com/hanko-field/orderengine/internal/domain"
	"github.com/hanko-field/orderengine/internal/repositories"
)

const maxVoucherCodeLength = 64

// VoucherEngineDeps bundles the collaborators required to construct the voucher engine.
type VoucherEngineDeps struct {
	Vouchers repositories.VoucherRepository
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type voucherEngine struct {
	vouchers repositories.VoucherRepository
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)
}

// NewVoucherEngine wires dependencies into a concrete VoucherEngine implementation.
func NewVoucherEngine(deps VoucherEngineDeps) (VoucherEngine, error) {
	if deps.Vouchers == nil {
		return nil, errors.New("voucher engine: voucher repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &voucherEngine{
		vouchers: deps.Vouchers,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// NormalizeVoucherCode folds width and compatibility variants (NFKC) and upper-cases the code,
// so "ｓａｖｅ１０" and "save10" resolve to the same voucher.
func NormalizeVoucherCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(norm.NFKC.String(code)))
}

// Evaluate returns the discount the voucher grants on orderAmount at now.
func (e *voucherEngine) Evaluate(voucher Voucher, orderAmount int64, now time.Time) (int64, error) {
	return EvaluateVoucher(voucher, orderAmount, now)
}

// EvaluateVoucher applies the eligibility rules then computes the discount, which never exceeds orderAmount.
func EvaluateVoucher(voucher Voucher, orderAmount int64, now time.Time) (int64, error) {
	if orderAmount < 0 {
		return 0, validationError("order amount must not be negative")
	}
	if !voucher.Active {
		return 0, fmt.Errorf("%w: %s is inactive", ErrVoucherExpired, voucher.Code)
	}
	if voucher.StartsAt != nil && now.Before(*voucher.StartsAt) {
		return 0, fmt.Errorf("%w: %s starts at %s", ErrVoucherExpired, voucher.Code, voucher.StartsAt.Format(time.RFC3339))
	}
	if voucher.EndsAt != nil && now.After(*voucher.EndsAt) {
		return 0, fmt.Errorf("%w: %s ended at %s", ErrVoucherExpired, voucher.Code, voucher.EndsAt.Format(time.RFC3339))
	}
	if orderAmount < voucher.MinimumAmount {
		return 0, fmt.Errorf("%w: %s requires %d", ErrVoucherBelowMinimum, voucher.Code, voucher.MinimumAmount)
	}
	if voucher.UsageLimit != nil && voucher.UsedCount >= *voucher.UsageLimit {
		return 0, fmt.Errorf("%w: %s", ErrVoucherLimitReached, voucher.Code)
	}

	var discount int64
	switch voucher.DiscountType {
	case domain.VoucherDiscountPercentage:
		discount = orderAmount * voucher.Value / 100
		if voucher.MaximumDiscount != nil && discount > *voucher.MaximumDiscount {
			discount = *voucher.MaximumDiscount
		}
	case domain.VoucherDiscountFixed:
		discount = min(voucher.Value, orderAmount)
	default:
		return 0, validationError("voucher %s has unknown discount type %q", voucher.Code, voucher.DiscountType)
	}
	return max(0, min(discount, orderAmount)), nil
}

func (e *voucherEngine) Lookup(ctx context.Context, code string) (Voucher, error) {
	normalized := NormalizeVoucherCode(code)
	if normalized == "" {
		return Voucher{}, validationError("voucher code is required")
	}
	if len(normalized) > maxVoucherCodeLength {
		return Voucher{}, validationError("voucher code is too long")
	}
	voucher, err := e.vouchers.FindByCode(ctx, normalized)
	if err != nil {
		return Voucher{}, mapRepositoryError(err, ErrVoucherNotFound)
	}
	return voucher, nil
}

func (e *voucherEngine) Preview(ctx context.Context, code string, orderAmount int64) (VoucherPreview, error) {
	voucher, err := e.Lookup(ctx, code)
	if err != nil {
		return VoucherPreview{}, err
	}
	discount, err := e.Evaluate(voucher, orderAmount, e.clock())
	if err != nil {
		return VoucherPreview{}, err
	}
	return VoucherPreview{
		Voucher:     voucher,
		OrderAmount: orderAmount,
		Discount:    discount,
		Total:       orderAmount - discount,
	}, nil
}

// RecordUsage increments used_count while it stays within the usage limit.
func (e *voucherEngine) RecordUsage(ctx context.Context, voucherID string) (Voucher, error) {
	voucherID = strings.TrimSpace(voucherID)
	if voucherID == "" {
		return Voucher{}, validationError("voucher id is required")
	}
	voucher, err := e.vouchers.IncrementUsage(ctx, voucherID, e.clock())
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsConflict() {
			return Voucher{}, fmt.Errorf("%w: %s", ErrVoucherLimitReached, voucherID)
		}
		return Voucher{}, mapRepositoryError(err, ErrVoucherNotFound)
	}
	e.logger(ctx, "voucher.usage.recorded", map[string]any{
		"voucherId": voucher.ID,
		"usedCount": voucher.UsedCount,
	})
	return voucher, nil
}
