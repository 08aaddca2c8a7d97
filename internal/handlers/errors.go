package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hanko-field/orderengine/internal/payments"
	"github.com/hanko-field/orderengine/internal/platform/httpx"
	"github.com/hanko-field/orderengine/internal/platform/pagination"
	"github.com/hanko-field/orderengine/internal/platform/requestctx"
	"github.com/hanko-field/orderengine/internal/services"
)

// unavailableRetryAfter covers a pgx pool reconnect or a Redis failover.
const unavailableRetryAfter = 5 * time.Second

var (
	errBodyTooLarge = errors.New("request body too large")
	errEmptyBody    = errors.New("request body is required")
)

// writeServiceError maps service and gateway failures onto the JSON error envelope.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var recErr *services.ReconciliationError
	if errors.As(err, &recErr) {
		requestctx.Logger(ctx).Error("reconciliation failed",
			zap.String("reference", recErr.OrderReference),
			zap.String("status", string(recErr.Status)),
			zap.Error(recErr.Err),
		)
		httpx.WriteError(ctx, w, httpx.NewError("reconciliation_failed", "payment could not be reconciled", http.StatusInternalServerError).
			WithDetails(map[string]any{"reference": recErr.OrderReference}))
		return
	}

	var stockErr *services.InsufficientStockError
	if errors.As(err, &stockErr) {
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", "not enough stock for the requested quantity", http.StatusConflict).
			WithDetails(map[string]any{
				"variantId": stockErr.VariantID,
				"requested": stockErr.Requested,
				"available": stockErr.Available,
			}))
		return
	}

	switch {
	case errors.Is(err, services.ErrValidation),
		errors.Is(err, payments.ErrUnsupportedGateway),
		errors.Is(err, payments.ErrUnsupportedCurrency),
		errors.Is(err, pagination.ErrInvalidPageToken),
		errors.Is(err, pagination.ErrInvalidPageSize):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrVoucherNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("voucher_not_found", "voucher not found", http.StatusNotFound))
	case errors.Is(err, services.ErrVoucherExpired):
		httpx.WriteError(ctx, w, httpx.NewError("voucher_expired", "voucher is expired or inactive", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrVoucherBelowMinimum):
		httpx.WriteError(ctx, w, httpx.NewError("voucher_below_minimum", "order amount is below the voucher minimum", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrVoucherLimitReached):
		httpx.WriteError(ctx, w, httpx.NewError("voucher_limit_reached", "voucher usage limit reached", http.StatusConflict))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrVariantNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("variant_not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrPriceMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("price_mismatch", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderStateConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_state_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, payments.ErrGateway):
		requestctx.Logger(ctx).Warn("payment gateway failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("gateway_error", "payment provider request failed", http.StatusBadGateway))
	case errors.Is(err, services.ErrOrderReferencesExhausted):
		requestctx.Logger(ctx).Error("order references exhausted", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("order_intake_paused", "no order references left for today", http.StatusServiceUnavailable).
			WithRetryAfter(time.Hour))
	case errors.Is(err, services.ErrUnavailable):
		requestctx.Logger(ctx).Error("backing store unavailable", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "service temporarily unavailable", http.StatusServiceUnavailable).
			WithRetryAfter(unavailableRetryAfter))
	default:
		requestctx.Logger(ctx).Error("request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to process request", http.StatusInternalServerError))
	}
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	case errors.Is(err, errEmptyBody):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
	}
}
