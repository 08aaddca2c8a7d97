package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/orderengine/internal/domain"
	"github.com/hanko-field/orderengine/internal/platform/auth"
	"github.com/hanko-field/orderengine/internal/services"
)

type stubLedger struct {
	services.StockLedgerService
	adjusted services.StockAdjustCommand
	listed   services.Pagination
	report   services.BalanceReport
}

func (s *stubLedger) Adjust(_ context.Context, cmd services.StockAdjustCommand) (services.StockMovement, error) {
	s.adjusted = cmd
	return services.StockMovement{ID: "mv_1", VariantID: cmd.VariantID, Type: domain.StockMovementAdjustment, Quantity: 3, Delta: -3, BalanceAfter: cmd.NewQuantity}, nil
}

func (s *stubLedger) ListMovements(_ context.Context, variantID string, page services.Pagination) (domain.CursorPage[services.StockMovement], error) {
	s.listed = page
	return domain.CursorPage[services.StockMovement]{
		Items:         []services.StockMovement{{ID: "mv_2", VariantID: variantID, Type: domain.StockMovementOut, Quantity: 1, Delta: -1}},
		NextPageToken: "next",
	}, nil
}

func (s *stubLedger) VerifyBalance(_ context.Context, variantID string) (services.BalanceReport, error) {
	report := s.report
	report.VariantID = variantID
	return report, nil
}

type stubVoucherEngine struct {
	services.VoucherEngine
	previewFn func(context.Context, string, int64) (services.VoucherPreview, error)
}

func (s *stubVoucherEngine) Preview(ctx context.Context, code string, amount int64) (services.VoucherPreview, error) {
	return s.previewFn(ctx, code, amount)
}

func serveInternal(ledger services.StockLedgerService, method, path, body string) *httptest.ResponseRecorder {
	router := chi.NewRouter()
	router.Route("/internal", func(r chi.Router) {
		r.Use(auth.RequireRole(auth.RoleOperator))
		NewStockHandlers(ledger).Routes(r)
	})
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req = req.WithContext(auth.WithIdentity(req.Context(), operator))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestStockHandlersAdjust(t *testing.T) {
	ledger := &stubLedger{}

	rr := serveInternal(ledger, http.MethodPost, "/internal/variants/var_a/stock:adjust", `{"newQuantity":7,"reason":"stock opname"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if ledger.adjusted.VariantID != "var_a" || ledger.adjusted.NewQuantity != 7 || ledger.adjusted.ActorID != "op_1" || ledger.adjusted.Reason != "stock opname" {
		t.Fatalf("unexpected command: %+v", ledger.adjusted)
	}

	if rr := serveInternal(ledger, http.MethodPost, "/internal/variants/var_a/stock:adjust", `{"reason":"missing"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without newQuantity, got %d", rr.Code)
	}
}

func TestStockHandlersMovements(t *testing.T) {
	ledger := &stubLedger{}

	rr := serveInternal(ledger, http.MethodGet, "/internal/variants/var_a/movements?pageSize=500", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ledger.listed.PageSize != maxMovementPageSize {
		t.Fatalf("expected page size capped at %d, got %d", maxMovementPageSize, ledger.listed.PageSize)
	}
	body := decodeBody(t, rr)
	if body["nextPageToken"] != "next" || len(body["items"].([]any)) != 1 {
		t.Fatalf("unexpected body: %v", body)
	}

	if rr := serveInternal(ledger, http.MethodGet, "/internal/variants/var_a/movements?pageSize=abc", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad page size, got %d", rr.Code)
	}
}

func TestStockHandlersBalance(t *testing.T) {
	ledger := &stubLedger{report: services.BalanceReport{Stock: 7, LedgerSum: 7, Consistent: true, CheckedAt: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}}

	rr := serveInternal(ledger, http.MethodGet, "/internal/variants/var_a/balance", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["consistent"] != true || body["variantId"] != "var_a" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestVoucherHandlersPreview(t *testing.T) {
	engine := &stubVoucherEngine{
		previewFn: func(_ context.Context, code string, amount int64) (services.VoucherPreview, error) {
			if code != "HEMAT20" {
				return services.VoucherPreview{}, services.ErrVoucherNotFound
			}
			return services.VoucherPreview{Voucher: services.Voucher{Code: "HEMAT20"}, OrderAmount: amount, Discount: 50000, Total: amount - 50000}, nil
		},
	}
	router := chi.NewRouter()
	NewVoucherHandlers(nil, engine).Routes(router)

	req := httptest.NewRequest(http.MethodPost, "/vouchers:preview", strings.NewReader(`{"code":"HEMAT20","orderAmount":500000}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if body := decodeBody(t, rr); body["discount"].(float64) != 50000 || body["total"].(float64) != 450000 {
		t.Fatalf("unexpected body: %v", body)
	}

	req = httptest.NewRequest(http.MethodPost, "/vouchers:preview", strings.NewReader(`{"code":"NOPE","orderAmount":500000}`))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
