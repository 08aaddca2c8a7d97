package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/orderengine/internal/domain"
	"github.com/hanko-field/orderengine/internal/platform/auth"
	"github.com/hanko-field/orderengine/internal/platform/httpx"
	"github.com/hanko-field/orderengine/internal/services"
)

const (
	maxOrderBodySize  = 32 * 1024
	maxCancelBodySize = 4 * 1024
)

type orderLineRequest struct {
	VariantID string `json:"variantId"`
	Quantity  int64  `json:"quantity"`
	UnitPrice *int64 `json:"unitPrice"`
}

type createOrderRequest struct {
	CustomerID        string             `json:"customerId"`
	ShippingAddressID string             `json:"shippingAddressId"`
	Currency          string             `json:"currency"`
	Items             []orderLineRequest `json:"items"`
	ShippingCost      int64              `json:"shippingCost"`
	VoucherCode       string             `json:"voucherCode"`
	Courier           string             `json:"courier"`
	CourierService    string             `json:"courierService"`
}

type updateItemsRequest struct {
	Items []orderLineRequest `json:"items"`
}

type updateShippingRequest struct {
	ShippingCost   *int64  `json:"shippingCost"`
	Courier        *string `json:"courier"`
	CourierService *string `json:"courierService"`
	TrackingNumber *string `json:"trackingNumber"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type createPaymentRequest struct {
	Gateway string `json:"gateway"`
}

type markPaidRequest struct {
	ProofReference string `json:"proofReference"`
}

// OrderHandlers exposes the order lifecycle and its payment endpoints.
type OrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	payments    services.PaymentService
	idempotency func(http.Handler) http.Handler
}

// OrderHandlerOption customises OrderHandlers.
type OrderHandlerOption func(*OrderHandlers)

// WithOrderIdempotency guards order and payment creation with the Idempotency-Key middleware.
func WithOrderIdempotency(mw func(http.Handler) http.Handler) OrderHandlerOption {
	return func(h *OrderHandlers) {
		h.idempotency = mw
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, payments services.PaymentService, opts ...OrderHandlerOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:    authn,
		orders:   orders,
		payments: payments,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	creating := r
	if h.idempotency != nil {
		creating = r.With(h.idempotency)
	}
	operator := r.With(auth.RequireRole(auth.RoleOperator))
	if h.authn != nil {
		operator = r.With(h.authn.RequireOperator())
	}

	creating.Post("/", h.createOrder)
	r.Get("/{orderId}", h.getOrder)
	r.Put("/{orderId}/items", h.updateItems)
	operator.Put("/{orderId}/shipping", h.updateShipping)
	operator.Post("/{orderId}:cancel", h.cancelOrder)
	operator.Put("/{orderId}/status", h.updateStatus)
	operator.Delete("/{orderId}", h.deleteOrder)

	creating.Post("/{orderId}/payments", h.createPayment)
	r.Get("/{orderId}/payment-status", h.paymentStatus)
	operator.Post("/{orderId}/payments:mark-paid", h.markPaid)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := decodeJSONBody(r, maxOrderBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	customerID := strings.TrimSpace(req.CustomerID)
	if !identity.IsOperator() {
		if customerID != "" && customerID != identity.UID {
			httpx.WriteError(ctx, w, httpx.NewError("forbidden", "customers may only order for themselves", http.StatusForbidden))
			return
		}
		customerID = identity.UID
	}

	order, err := h.orders.Create(ctx, services.CreateOrderCommand{
		CustomerID:        customerID,
		ShippingAddressID: strings.TrimSpace(req.ShippingAddressID),
		Currency:          req.Currency,
		Items:             lineInputs(req.Items),
		ShippingCost:      req.ShippingCost,
		VoucherCode:       req.VoucherCode,
		Courier:           req.Courier,
		CourierService:    req.CourierService,
		ActorID:           identity.Actor(),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/orders/"+order.ID)
	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	order, ok := h.loadVisibleOrder(w, r)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) updateItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	order, ok := h.loadVisibleOrder(w, r)
	if !ok {
		return
	}
	var req updateItemsRequest
	if err := decodeJSONBody(r, maxOrderBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	identity, _ := auth.IdentityFromContext(ctx)

	updated, err := h.orders.UpdateItems(ctx, services.UpdateItemsCommand{
		OrderID: order.ID,
		Items:   lineInputs(req.Items),
		ActorID: identity.Actor(),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(updated)})
}

func (h *OrderHandlers) updateShipping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(w, r) {
		return
	}
	var req updateShippingRequest
	if err := decodeJSONBody(r, maxOrderBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	identity, _ := auth.IdentityFromContext(ctx)

	updated, err := h.orders.UpdateShipping(ctx, services.UpdateShippingCommand{
		OrderID:        orderIDParam(r),
		ShippingCost:   req.ShippingCost,
		Courier:        req.Courier,
		CourierService: req.CourierService,
		TrackingNumber: req.TrackingNumber,
		ActorID:        identity.Actor(),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(updated)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(w, r) {
		return
	}
	var req cancelOrderRequest
	if err := decodeJSONBody(r, maxCancelBodySize, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}
	identity, _ := auth.IdentityFromContext(ctx)

	cancelled, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: orderIDParam(r),
		Reason:  req.Reason,
		ActorID: identity.Actor(),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(cancelled)})
}

func (h *OrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(w, r) {
		return
	}
	var req updateStatusRequest
	if err := decodeJSONBody(r, maxCancelBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	identity, _ := auth.IdentityFromContext(ctx)

	updated, err := h.orders.UpdateStatus(ctx, services.UpdateStatusCommand{
		OrderID: orderIDParam(r),
		Status:  domain.OrderStatus(strings.ToLower(strings.TrimSpace(req.Status))),
		Reason:  req.Reason,
		ActorID: identity.Actor(),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(updated)})
}

func (h *OrderHandlers) deleteOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(w, r) {
		return
	}
	identity, _ := auth.IdentityFromContext(ctx)
	if err := h.orders.Delete(ctx, services.DeleteOrderCommand{OrderID: orderIDParam(r), ActorID: identity.Actor()}); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *OrderHandlers) createPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	order, ok := h.loadVisibleOrder(w, r)
	if !ok {
		return
	}
	var req createPaymentRequest
	if err := decodeJSONBody(r, maxCancelBodySize, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}
	identity, _ := auth.IdentityFromContext(ctx)

	session, err := h.payments.CreateSession(ctx, services.CreatePaymentCommand{
		OrderID: order.ID,
		Gateway: req.Gateway,
		ActorID: identity.Actor(),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, paymentSessionPayload{
		Gateway:      session.Gateway,
		SessionToken: session.Token,
		RedirectURL:  session.RedirectURL,
		ExpiresAt:    formatTime(session.ExpiresAt),
	})
}

func (h *OrderHandlers) paymentStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	view, err := h.payments.QueryStatus(ctx, orderIDParam(r))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	if !identity.IsOperator() && view.CustomerID != identity.UID {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return
	}
	writeJSONResponse(w, http.StatusOK, paymentStatusPayload{
		OrderID:       view.OrderID,
		Reference:     view.Reference,
		Status:        string(view.Status),
		PaymentStatus: string(view.PaymentStatus),
		Gateway:       view.Gateway,
		Total:         view.Total,
		Currency:      view.Currency,
		CheckedAt:     formatTime(view.CheckedAt),
	})
}

func (h *OrderHandlers) markPaid(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	var req markPaidRequest
	if err := decodeJSONBody(r, maxCancelBodySize, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}
	identity, _ := auth.IdentityFromContext(ctx)

	result, err := h.payments.MarkPaid(ctx, services.MarkPaidCommand{
		OrderID:        orderIDParam(r),
		ProofReference: strings.TrimSpace(req.ProofReference),
		ActorID:        identity.Actor(),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, reconcileResponse{
		Outcome:           result.Outcome,
		RequiresAttention: result.RequiresAttention,
		Order:             buildOrderPayload(result.Order),
	})
}

func (h *OrderHandlers) ready(w http.ResponseWriter, r *http.Request) bool {
	if h.orders == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return false
	}
	_, ok := requireIdentity(w, r)
	return ok
}

// loadVisibleOrder fetches the order and hides it from customers who do not own it.
func (h *OrderHandlers) loadVisibleOrder(w http.ResponseWriter, r *http.Request) (services.Order, bool) {
	ctx := r.Context()
	if !h.ready(w, r) {
		return services.Order{}, false
	}
	identity, _ := auth.IdentityFromContext(ctx)

	orderID := orderIDParam(r)
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return services.Order{}, false
	}
	order, err := h.orders.Get(ctx, orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return services.Order{}, false
	}
	if !identity.IsOperator() && order.CustomerID != identity.UID {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return services.Order{}, false
	}
	return order, true
}

func orderIDParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "orderId"))
}

func lineInputs(lines []orderLineRequest) []services.OrderLineInput {
	out := make([]services.OrderLineInput, 0, len(lines))
	for _, line := range lines {
		out = append(out, services.OrderLineInput{
			VariantID: strings.TrimSpace(line.VariantID),
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}
	return out
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type reconcileResponse struct {
	Outcome           string       `json:"outcome"`
	RequiresAttention bool         `json:"requiresAttention"`
	Order             orderPayload `json:"order"`
}

type orderPayload struct {
	ID                string                 `json:"id"`
	Reference         string                 `json:"reference"`
	CustomerID        string                 `json:"customerId"`
	ShippingAddressID string                 `json:"shippingAddressId,omitempty"`
	Status            string                 `json:"status"`
	PaymentStatus     string                 `json:"paymentStatus"`
	Currency          string                 `json:"currency"`
	Totals            orderTotalsPayload     `json:"totals"`
	Items             []orderItemPayload     `json:"items"`
	VoucherCode       string                 `json:"voucherCode,omitempty"`
	Payment           *paymentSessionPayload `json:"payment,omitempty"`
	Shipping          orderShippingPayload   `json:"shipping"`
	CancelReason      string                 `json:"cancelReason,omitempty"`
	Version           int64                  `json:"version"`
	OrderedAt         string                 `json:"orderedAt"`
	PaidAt            string                 `json:"paidAt,omitempty"`
	ShippedAt         string                 `json:"shippedAt,omitempty"`
	DeliveredAt       string                 `json:"deliveredAt,omitempty"`
	CancelledAt       string                 `json:"cancelledAt,omitempty"`
	UpdatedAt         string                 `json:"updatedAt,omitempty"`
}

type orderTotalsPayload struct {
	Subtotal int64 `json:"subtotal"`
	Discount int64 `json:"discount"`
	Shipping int64 `json:"shipping"`
	Total    int64 `json:"total"`
}

type orderItemPayload struct {
	VariantID    string `json:"variantId"`
	ProductName  string `json:"productName,omitempty"`
	VariantLabel string `json:"variantLabel,omitempty"`
	SKU          string `json:"sku,omitempty"`
	Quantity     int64  `json:"quantity"`
	UnitPrice    int64  `json:"unitPrice"`
	Subtotal     int64  `json:"subtotal"`
}

type orderShippingPayload struct {
	Courier        string `json:"courier,omitempty"`
	Service        string `json:"service,omitempty"`
	TrackingNumber string `json:"trackingNumber,omitempty"`
}

type paymentSessionPayload struct {
	Gateway      string `json:"gateway"`
	SessionToken string `json:"sessionToken"`
	RedirectURL  string `json:"redirectUrl,omitempty"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
}

type paymentStatusPayload struct {
	OrderID       string `json:"orderId"`
	Reference     string `json:"reference"`
	Status        string `json:"status"`
	PaymentStatus string `json:"paymentStatus"`
	Gateway       string `json:"gateway,omitempty"`
	Total         int64  `json:"total"`
	Currency      string `json:"currency"`
	CheckedAt     string `json:"checkedAt,omitempty"`
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:                order.ID,
		Reference:         order.Reference,
		CustomerID:        order.CustomerID,
		ShippingAddressID: order.ShippingAddressID,
		Status:            string(order.Status),
		PaymentStatus:     string(order.PaymentStatus),
		Currency:          strings.ToUpper(order.Currency),
		Totals: orderTotalsPayload{
			Subtotal: order.Totals.Subtotal,
			Discount: order.Totals.Discount,
			Shipping: order.Totals.Shipping,
			Total:    order.Totals.Total,
		},
		Items: make([]orderItemPayload, 0, len(order.Items)),
		Shipping: orderShippingPayload{
			Courier:        order.Shipping.Courier,
			Service:        order.Shipping.Service,
			TrackingNumber: order.Shipping.TrackingNumber,
		},
		Version:     order.Version,
		OrderedAt:   formatTime(order.OrderedAt),
		PaidAt:      formatTimePtr(order.PaidAt),
		ShippedAt:   formatTimePtr(order.ShippedAt),
		DeliveredAt: formatTimePtr(order.DeliveredAt),
		CancelledAt: formatTimePtr(order.CancelledAt),
		UpdatedAt:   formatTime(order.UpdatedAt),
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			VariantID:    item.VariantID,
			ProductName:  item.ProductName,
			VariantLabel: item.VariantLabel,
			SKU:          item.SKU,
			Quantity:     item.Quantity,
			UnitPrice:    item.UnitPrice,
			Subtotal:     item.Subtotal,
		})
	}
	if order.VoucherCode != nil {
		payload.VoucherCode = *order.VoucherCode
	}
	if order.CancelReason != nil {
		payload.CancelReason = *order.CancelReason
	}
	if order.Session != nil {
		payload.Payment = &paymentSessionPayload{
			Gateway:      order.Session.Gateway,
			SessionToken: order.Session.Token,
			RedirectURL:  order.Session.RedirectURL,
			ExpiresAt:    formatTime(order.Session.ExpiresAt),
		}
	}
	return payload
}
