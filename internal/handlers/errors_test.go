package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hanko-field/orderengine/internal/payments"
	"github.com/hanko-field/orderengine/internal/platform/pagination"
	"github.com/hanko-field/orderengine/internal/services"
)

func TestWriteServiceErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantRetry  string
	}{
		{"store outage", fmt.Errorf("%w: pool closed", services.ErrUnavailable), http.StatusServiceUnavailable, "service_unavailable", "5"},
		{"reference range used up", fmt.Errorf("%w: 20260314", services.ErrOrderReferencesExhausted), http.StatusServiceUnavailable, "order_intake_paused", "3600"},
		{"foreign page token", fmt.Errorf("%w: issued for another list", pagination.ErrInvalidPageToken), http.StatusBadRequest, "invalid_request", ""},
		{"gateway down", &payments.GatewayError{Gateway: "midtrans", Op: "create_session", Err: errors.New("502")}, http.StatusBadGateway, "gateway_error", ""},
		{"stock", &services.InsufficientStockError{VariantID: "var_1", Requested: 3, Available: 1}, http.StatusConflict, "insufficient_stock", ""},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal_error", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			writeServiceError(context.Background(), rr, tc.err)

			if rr.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d", tc.wantStatus, rr.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body["error"] != tc.wantCode {
				t.Fatalf("expected code %s, got %v", tc.wantCode, body["error"])
			}
			if got := rr.Header().Get("Retry-After"); got != tc.wantRetry {
				t.Fatalf("expected Retry-After %q, got %q", tc.wantRetry, got)
			}
		})
	}
}
