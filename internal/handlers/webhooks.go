package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hanko-field/orderengine/internal/payments"
	"github.com/hanko-field/orderengine/internal/platform/httpx"
	"github.com/hanko-field/orderengine/internal/platform/requestctx"
	"github.com/hanko-field/orderengine/internal/services"
)

const maxWebhookBodySize = 1 << 20

type webhookResponse struct {
	Received  bool   `json:"received"`
	Outcome   string `json:"outcome"`
	Reference string `json:"reference,omitempty"`
}

// PaymentWebhookHandlers receives gateway callbacks. Signatures are verified by the gateway adapters,
// so these routes carry no Firebase authentication.
type PaymentWebhookHandlers struct {
	payments services.PaymentService
	limiter  rateLimiter
}

// WebhookOption customises PaymentWebhookHandlers.
type WebhookOption func(*webhookConfig)

type webhookConfig struct {
	perSecond float64
	burst     int
	clock     func() time.Time
}

// WithWebhookRateLimit bounds callbacks per provider. A non-positive rate disables limiting.
func WithWebhookRateLimit(perSecond float64, burst int) WebhookOption {
	return func(cfg *webhookConfig) {
		cfg.perSecond = perSecond
		cfg.burst = burst
	}
}

// WithWebhookClock overrides the limiter time source.
func WithWebhookClock(clock func() time.Time) WebhookOption {
	return func(cfg *webhookConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// NewPaymentWebhookHandlers constructs webhook handlers backed by the payment service.
func NewPaymentWebhookHandlers(payments services.PaymentService, opts ...WebhookOption) *PaymentWebhookHandlers {
	cfg := webhookConfig{perSecond: 50, burst: 100, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &PaymentWebhookHandlers{
		payments: payments,
		limiter:  newKeyedRateLimiter(cfg.perSecond, cfg.burst, cfg.clock),
	}
}

// Routes registers POST /payments/{provider} within the /webhooks group.
func (h *PaymentWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/{provider}", h.handle)
}

func (h *PaymentWebhookHandlers) handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	provider := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	if h.limiter != nil && !h.limiter.Allow(provider) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many webhook requests", http.StatusTooManyRequests).
			WithRetryAfter(time.Second))
		return
	}

	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	outcome, err := h.payments.HandleWebhook(ctx, provider, payments.WebhookRequest{
		Headers: r.Header.Clone(),
		Body:    body,
	})
	logger := requestctx.Logger(ctx).With(zap.String("provider", provider))
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrWebhookSignature):
			logger.Warn("webhook signature rejected", zap.Error(err))
			httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusUnauthorized))
		case errors.Is(err, payments.ErrWebhookPayload):
			logger.Warn("webhook payload rejected", zap.Error(err))
			httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "webhook payload is malformed", http.StatusBadRequest))
		case errors.Is(err, payments.ErrUnsupportedGateway):
			httpx.WriteError(ctx, w, httpx.NewError("unknown_provider", "no gateway registered for provider", http.StatusNotFound))
		default:
			writeServiceError(ctx, w, err)
		}
		return
	}

	logger.Info("webhook processed",
		zap.String("reference", outcome.Event.OrderReference),
		zap.String("status", string(outcome.Event.Status)),
		zap.String("outcome", outcome.Outcome),
	)
	writeJSONResponse(w, http.StatusOK, webhookResponse{
		Received:  true,
		Outcome:   outcome.Outcome,
		Reference: outcome.Event.OrderReference,
	})
}
