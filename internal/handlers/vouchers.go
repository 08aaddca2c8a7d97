package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/orderengine/internal/platform/auth"
	"github.com/hanko-field/orderengine/internal/platform/httpx"
	"github.com/hanko-field/orderengine/internal/services"
)

type voucherPreviewRequest struct {
	Code        string `json:"code"`
	OrderAmount int64  `json:"orderAmount"`
}

type voucherPreviewResponse struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
	OrderAmount int64  `json:"orderAmount"`
	Discount    int64  `json:"discount"`
	Total       int64  `json:"total"`
}

// VoucherHandlers serves the voucher preview endpoint.
type VoucherHandlers struct {
	authn    *auth.Authenticator
	vouchers services.VoucherEngine
}

// NewVoucherHandlers constructs a new VoucherHandlers instance.
func NewVoucherHandlers(authn *auth.Authenticator, vouchers services.VoucherEngine) *VoucherHandlers {
	return &VoucherHandlers{authn: authn, vouchers: vouchers}
}

// Routes registers POST /vouchers:preview on the API root.
func (h *VoucherHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = r.With(h.authn.RequireFirebaseAuth())
	}
	group.Post("/vouchers:preview", h.preview)
}

func (h *VoucherHandlers) preview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.vouchers == nil {
		httpx.WriteError(ctx, w, httpx.NewError("voucher_service_unavailable", "voucher service unavailable", http.StatusServiceUnavailable))
		return
	}
	var req voucherPreviewRequest
	if err := decodeJSONBody(r, maxCancelBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	preview, err := h.vouchers.Preview(ctx, req.Code, req.OrderAmount)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, voucherPreviewResponse{
		Code:        preview.Voucher.Code,
		Description: preview.Voucher.Description,
		OrderAmount: preview.OrderAmount,
		Discount:    preview.Discount,
		Total:       preview.Total,
	})
}
