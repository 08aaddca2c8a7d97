package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/hanko-field/orderengine/internal/domain"
)

func TestEvaluateVoucherPercentageRespectsCap(t *testing.T) {
	voucher := Voucher{
		Code:            "HEMAT20",
		DiscountType:    domain.VoucherDiscountPercentage,
		Value:           20,
		MaximumDiscount: int64Ptr(50000),
		Active:          true,
	}

	discount, err := EvaluateVoucher(voucher, 500000, testNow)
	if err != nil {
		t.Fatalf("EvaluateVoucher: %v", err)
	}
	if discount != 50000 {
		t.Fatalf("expected discount capped at 50000, got %d", discount)
	}
}

func TestEvaluateVoucherRules(t *testing.T) {
	start := testNow.Add(-time.Hour)
	end := testNow.Add(time.Hour)
	past := testNow.Add(-time.Minute)

	tests := []struct {
		name    string
		voucher Voucher
		amount  int64
		want    int64
		wantErr error
	}{
		{
			name:    "fixed never exceeds amount",
			voucher: Voucher{Code: "FLAT", DiscountType: domain.VoucherDiscountFixed, Value: 30000, Active: true},
			amount:  20000,
			want:    20000,
		},
		{
			name:    "percentage without cap",
			voucher: Voucher{Code: "TEN", DiscountType: domain.VoucherDiscountPercentage, Value: 10, Active: true},
			amount:  35000,
			want:    3500,
		},
		{
			name:    "inside window",
			voucher: Voucher{Code: "WIN", DiscountType: domain.VoucherDiscountFixed, Value: 1000, Active: true, StartsAt: &start, EndsAt: &end},
			amount:  5000,
			want:    1000,
		},
		{
			name:    "ended",
			voucher: Voucher{Code: "OLD", DiscountType: domain.VoucherDiscountFixed, Value: 1000, Active: true, EndsAt: &past},
			amount:  5000,
			wantErr: ErrVoucherExpired,
		},
		{
			name:    "inactive",
			voucher: Voucher{Code: "OFF", DiscountType: domain.VoucherDiscountFixed, Value: 1000},
			amount:  5000,
			wantErr: ErrVoucherExpired,
		},
		{
			name:    "below minimum",
			voucher: Voucher{Code: "MIN", DiscountType: domain.VoucherDiscountFixed, Value: 1000, MinimumAmount: 100000, Active: true},
			amount:  99999,
			wantErr: ErrVoucherBelowMinimum,
		},
		{
			name:    "usage exhausted",
			voucher: Voucher{Code: "USED", DiscountType: domain.VoucherDiscountFixed, Value: 1000, UsageLimit: int64Ptr(5), UsedCount: 5, Active: true},
			amount:  5000,
			wantErr: ErrVoucherLimitReached,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvaluateVoucher(tt.voucher, tt.amount, testNow)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("EvaluateVoucher: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected discount %d, got %d", tt.want, got)
			}
		})
	}
}

func TestVoucherEngineLookupNormalizesCode(t *testing.T) {
	e := newEngine(t)
	e.store.seedVoucher(Voucher{ID: "vch_1", Code: "SAVE10", DiscountType: domain.VoucherDiscountFixed, Value: 10000, Active: true})

	voucher, err := e.vouchers.Lookup(context.Background(), "  ｓａｖｅ１０ ")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if voucher.ID != "vch_1" {
		t.Fatalf("expected vch_1, got %s", voucher.ID)
	}

	if _, err := e.vouchers.Lookup(context.Background(), "NOPE"); !errors.Is(err, ErrVoucherNotFound) {
		t.Fatalf("expected ErrVoucherNotFound, got %v", err)
	}
}

func TestVoucherEnginePreview(t *testing.T) {
	e := newEngine(t)
	e.store.seedVoucher(Voucher{ID: "vch_1", Code: "SAVE10", DiscountType: domain.VoucherDiscountFixed, Value: 10000, Active: true})

	preview, err := e.vouchers.Preview(context.Background(), "save10", 35000)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if preview.Discount != 10000 || preview.Total != 25000 {
		t.Fatalf("unexpected preview: %+v", preview)
	}
}

func TestVoucherEngineRecordUsageStopsAtLimit(t *testing.T) {
	e := newEngine(t)
	e.store.seedVoucher(Voucher{ID: "vch_1", Code: "ONCE", DiscountType: domain.VoucherDiscountFixed, Value: 100, UsageLimit: int64Ptr(1), Active: true})

	if _, err := e.vouchers.RecordUsage(context.Background(), "vch_1"); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if _, err := e.vouchers.RecordUsage(context.Background(), "vch_1"); !errors.Is(err, ErrVoucherLimitReached) {
		t.Fatalf("expected ErrVoucherLimitReached, got %v", err)
	}
	if got := e.store.voucherUsage("vch_1"); got != 1 {
		t.Fatalf("expected used count 1, got %d", got)
	}
}
