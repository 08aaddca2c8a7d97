package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/orderengine/internal/platform/auth"
	"github.com/hanko-field/orderengine/internal/platform/httpx"
	"github.com/hanko-field/orderengine/internal/platform/pagination"
	"github.com/hanko-field/orderengine/internal/services"
)

const (
	defaultMovementPageSize = 50
	maxMovementPageSize     = 200
)

type stockAdjustRequest struct {
	NewQuantity *int64 `json:"newQuantity"`
	Reason      string `json:"reason"`
	Reference   string `json:"reference"`
}

type stockMovementPayload struct {
	ID           string `json:"id"`
	VariantID    string `json:"variantId"`
	Type         string `json:"type"`
	Quantity     int64  `json:"quantity"`
	Delta        int64  `json:"delta"`
	BalanceAfter int64  `json:"balanceAfter"`
	Reason       string `json:"reason,omitempty"`
	Reference    string `json:"reference,omitempty"`
	CreatedBy    string `json:"createdBy"`
	CreatedAt    string `json:"createdAt"`
}

type stockMovementListResponse struct {
	Items         []stockMovementPayload `json:"items"`
	NextPageToken string                 `json:"nextPageToken,omitempty"`
}

type stockBalanceResponse struct {
	VariantID  string `json:"variantId"`
	Stock      int64  `json:"stock"`
	LedgerSum  int64  `json:"ledgerSum"`
	Drift      int64  `json:"drift"`
	Consistent bool   `json:"consistent"`
	CheckedAt  string `json:"checkedAt"`
}

// StockHandlers exposes operator stock endpoints under /internal/variants.
type StockHandlers struct {
	ledger services.StockLedgerService
}

// NewStockHandlers constructs a new StockHandlers instance.
func NewStockHandlers(ledger services.StockLedgerService) *StockHandlers {
	return &StockHandlers{ledger: ledger}
}

// Routes registers the ledger endpoints. Authentication is applied by the /internal group.
func (h *StockHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/variants/{variantId}/stock:adjust", h.adjust)
	r.Get("/variants/{variantId}/movements", h.movements)
	r.Get("/variants/{variantId}/balance", h.balance)
}

func (h *StockHandlers) adjust(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(w, r) {
		return
	}
	var req stockAdjustRequest
	if err := decodeJSONBody(r, maxCancelBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	if req.NewQuantity == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "newQuantity is required", http.StatusBadRequest))
		return
	}
	identity, _ := auth.IdentityFromContext(ctx)

	movement, err := h.ledger.Adjust(ctx, services.StockAdjustCommand{
		VariantID:   variantIDParam(r),
		NewQuantity: *req.NewQuantity,
		MovementMeta: services.MovementMeta{
			Reason:    req.Reason,
			Reference: strings.TrimSpace(req.Reference),
			ActorID:   identity.Actor(),
		},
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"movement": buildMovementPayload(movement)})
}

func (h *StockHandlers) movements(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(w, r) {
		return
	}
	params, err := pagination.FromRequest(r, pagination.Options{
		DefaultPageSize: defaultMovementPageSize,
		MaxPageSize:     maxMovementPageSize,
		Scope:           variantIDParam(r),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	page, err := h.ledger.ListMovements(ctx, variantIDParam(r), services.Pagination{
		PageSize:  params.PageSize,
		PageToken: params.PageToken,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	items := make([]stockMovementPayload, 0, len(page.Items))
	for _, movement := range page.Items {
		items = append(items, buildMovementPayload(movement))
	}
	writeJSONResponse(w, http.StatusOK, stockMovementListResponse{Items: items, NextPageToken: page.NextPageToken})
}

func (h *StockHandlers) balance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(w, r) {
		return
	}
	report, err := h.ledger.VerifyBalance(ctx, variantIDParam(r))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, stockBalanceResponse{
		VariantID:  report.VariantID,
		Stock:      report.Stock,
		LedgerSum:  report.LedgerSum,
		Drift:      report.Drift,
		Consistent: report.Consistent,
		CheckedAt:  formatTime(report.CheckedAt),
	})
}

func (h *StockHandlers) ready(w http.ResponseWriter, r *http.Request) bool {
	if h.ledger == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("stock_service_unavailable", "stock ledger unavailable", http.StatusServiceUnavailable))
		return false
	}
	if variantIDParam(r) == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "variant id is required", http.StatusBadRequest))
		return false
	}
	return true
}

func variantIDParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "variantId"))
}

func buildMovementPayload(m services.StockMovement) stockMovementPayload {
	return stockMovementPayload{
		ID:           m.ID,
		VariantID:    m.VariantID,
		Type:         string(m.Type),
		Quantity:     m.Quantity,
		Delta:        m.Delta,
		BalanceAfter: m.BalanceAfter,
		Reason:       m.Reason,
		Reference:    m.Reference,
		CreatedBy:    m.CreatedBy,
		CreatedAt:    formatTime(m.CreatedAt),
	}
}
