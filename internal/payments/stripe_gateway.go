package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"

	domain "github.com/hanko-field/orderengine/internal/domain"
)

const (
	stripeSignatureHeader = "Stripe-Signature"
	stripeMetadataRef     = "order_reference"
	stripeMetadataOrderID = "order_id"
	// Checkout sessions must stay open for at least 30 minutes.
	stripeMinSessionTTL = 30 * time.Minute
	stripeMaxSessionTTL = 24 * time.Hour
)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey        string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	AccountID     string
	Backends      *stripe.Backends
	Logger        Logger
	Clock         func() time.Time
	Sessions      stripeSessionAPI
}

// StripeGateway opens Stripe Checkout sessions and normalizes Stripe webhooks.
type StripeGateway struct {
	sessions      stripeSessionAPI
	webhookSecret string
	successURL    string
	cancelURL     string
	account       string
	clock         func() time.Time
	logger        Logger
}

var _ Gateway = (*StripeGateway)(nil)

// NewStripeGateway constructs a Stripe gateway using the given configuration.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Sessions == nil {
		return nil, errors.New("stripe: api key is required")
	}
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}

	sessions := cfg.Sessions
	if sessions == nil {
		sc := client.New(apiKey, cfg.Backends)
		sessions = sc.CheckoutSessions
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger
	}

	return &StripeGateway{
		sessions:      sessions,
		webhookSecret: secret,
		successURL:    strings.TrimSpace(cfg.SuccessURL),
		cancelURL:     strings.TrimSpace(cfg.CancelURL),
		account:       strings.TrimSpace(cfg.AccountID),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (g *StripeGateway) Name() string { return GatewayStripe }

// CreateSession creates a Checkout session charging the order total as a single line.
func (g *StripeGateway) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	now := g.clock()
	expiresAt := clampExpiry(now, req.ExpiresAt)

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(g.successURL),
		CancelURL:         stripe.String(g.cancelURL),
		ClientReferenceID: stripe.String(req.OrderReference),
		ExpiresAt:         stripe.Int64(expiresAt.Unix()),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}

	metadata := map[string]string{
		stripeMetadataRef:     req.OrderReference,
		stripeMetadataOrderID: req.OrderID,
	}
	params.Metadata = metadata
	params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
		Metadata: metadata,
	}

	params.LineItems = []*stripe.CheckoutSessionLineItemParams{{
		Quantity: stripe.Int64(1),
		PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
			Currency:   stripe.String(strings.ToLower(req.Currency)),
			UnitAmount: stripe.Int64(toStripeAmount(req.Amount, req.Currency)),
			ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
				Name:        stripe.String("Order " + req.OrderReference),
				Description: optionalString(describeItems(req.Items)),
			},
		},
	}}

	session, err := g.sessions.New(params)
	if err != nil {
		return Session{}, gatewayErr(GatewayStripe, "create session", err)
	}

	g.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId":      session.ID,
		"orderReference": req.OrderReference,
		"amount":         req.Amount,
	})

	if session.ExpiresAt != 0 {
		expiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}
	return Session{
		Gateway:       GatewayStripe,
		Token:         session.ID,
		RedirectURL:   session.URL,
		TransactionID: session.ID,
		ExpiresAt:     expiresAt,
	}, nil
}

// NormalizeWebhook verifies the Stripe-Signature header and maps the event to a canonical status.
func (g *StripeGateway) NormalizeWebhook(ctx context.Context, req WebhookRequest) (PaymentEvent, error) {
	header := req.Headers.Get(stripeSignatureHeader)
	if header == "" {
		return PaymentEvent{}, fmt.Errorf("%w: missing %s header", ErrWebhookSignature, stripeSignatureHeader)
	}
	event, err := webhook.ConstructEventWithOptions(req.Body, header, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isStripeSignatureFailure(err) {
			return PaymentEvent{}, fmt.Errorf("%w: %v", ErrWebhookSignature, err)
		}
		return PaymentEvent{}, fmt.Errorf("%w: %v", ErrWebhookPayload, err)
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return PaymentEvent{}, fmt.Errorf("%w: event %s has no data", ErrWebhookPayload, event.ID)
	}

	occurredAt := g.clock()
	if event.Created != 0 {
		occurredAt = time.Unix(event.Created, 0).UTC()
	}
	eventType := string(event.Type)

	switch {
	case strings.HasPrefix(eventType, "checkout.session."):
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return PaymentEvent{}, fmt.Errorf("%w: %v", ErrWebhookPayload, err)
		}
		status, ok := stripeCheckoutEventStatus(eventType, session.PaymentStatus)
		if !ok {
			return PaymentEvent{}, fmt.Errorf("%w: %s", ErrWebhookIgnored, eventType)
		}
		return g.sessionEvent(&session, status, eventType, occurredAt)
	case strings.HasPrefix(eventType, "payment_intent."):
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return PaymentEvent{}, fmt.Errorf("%w: %v", ErrWebhookPayload, err)
		}
		reference := intent.Metadata[stripeMetadataRef]
		if reference == "" {
			return PaymentEvent{}, fmt.Errorf("%w: payment intent %s carries no order reference", ErrWebhookIgnored, intent.ID)
		}
		return PaymentEvent{
			OrderReference:        reference,
			Status:                stripeIntentEventStatus(eventType),
			ProviderTransactionID: intent.ID,
			RawStatus:             eventType,
			Provider:              GatewayStripe,
			Amount:                fromStripeAmount(intent.Amount, string(intent.Currency)),
			OccurredAt:            occurredAt,
		}, nil
	default:
		// review.opened and the rest hold the order at pending; they only matter
		// when a reference can be recovered from metadata.
		var object struct {
			ID       string            `json:"id"`
			Metadata map[string]string `json:"metadata"`
		}
		if err := json.Unmarshal(event.Data.Raw, &object); err != nil {
			return PaymentEvent{}, fmt.Errorf("%w: %v", ErrWebhookPayload, err)
		}
		reference := object.Metadata[stripeMetadataRef]
		if reference == "" {
			return PaymentEvent{}, fmt.Errorf("%w: %s", ErrWebhookIgnored, eventType)
		}
		return PaymentEvent{
			OrderReference:        reference,
			Status:                domain.PaymentStatusPending,
			ProviderTransactionID: object.ID,
			RawStatus:             eventType,
			Provider:              GatewayStripe,
			OccurredAt:            occurredAt,
		}, nil
	}
}

// PollStatus retrieves the checkout session and derives the canonical status from it.
func (g *StripeGateway) PollStatus(ctx context.Context, req PollRequest) (PaymentEvent, error) {
	id := strings.TrimSpace(req.SessionToken)
	if id == "" {
		id = strings.TrimSpace(req.TransactionID)
	}
	if id == "" {
		return PaymentEvent{}, gatewayErr(GatewayStripe, "poll status", errors.New("checkout session id is required"))
	}
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	session, err := g.sessions.Get(id, params)
	if err != nil {
		return PaymentEvent{}, gatewayErr(GatewayStripe, "poll status", err)
	}

	// An expired checkout session stays pending; the order's own stale window decides when it
	// expires so the customer can still open a new session.
	status := domain.PaymentStatusPending
	if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
		status = domain.PaymentStatusPaid
	}
	event, err := g.sessionEvent(session, status, "session."+string(session.Status)+"."+string(session.PaymentStatus), g.clock())
	if err != nil {
		return PaymentEvent{}, gatewayErr(GatewayStripe, "poll status", err)
	}
	if event.OrderReference == "" {
		event.OrderReference = req.OrderReference
	}
	return event, nil
}

func (g *StripeGateway) sessionEvent(session *stripe.CheckoutSession, status domain.PaymentStatus, raw string, occurredAt time.Time) (PaymentEvent, error) {
	reference := session.ClientReferenceID
	if reference == "" {
		reference = session.Metadata[stripeMetadataRef]
	}
	if reference == "" {
		return PaymentEvent{}, fmt.Errorf("%w: checkout session %s carries no order reference", ErrWebhookPayload, session.ID)
	}
	txID := session.ID
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		txID = session.PaymentIntent.ID
	}
	return PaymentEvent{
		OrderReference:        reference,
		Status:                status,
		ProviderTransactionID: txID,
		RawStatus:             raw,
		Provider:              GatewayStripe,
		Amount:                fromStripeAmount(session.AmountTotal, string(session.Currency)),
		OccurredAt:            occurredAt,
	}, nil
}

func stripeCheckoutEventStatus(eventType string, paymentStatus stripe.CheckoutSessionPaymentStatus) (domain.PaymentStatus, bool) {
	switch eventType {
	case "checkout.session.completed":
		if paymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
			return domain.PaymentStatusPaid, true
		}
		return domain.PaymentStatusPending, true
	case "checkout.session.async_payment_succeeded":
		return domain.PaymentStatusPaid, true
	case "checkout.session.async_payment_failed":
		return domain.PaymentStatusFailed, true
	case "checkout.session.expired":
		return domain.PaymentStatusPending, true
	default:
		return "", false
	}
}

func stripeIntentEventStatus(eventType string) domain.PaymentStatus {
	switch eventType {
	case "payment_intent.payment_failed":
		return domain.PaymentStatusFailed
	case "payment_intent.canceled":
		return domain.PaymentStatusCancelled
	default:
		return domain.PaymentStatusPending
	}
}

// Stripe counts every currency outside this set in hundredths, IDR included.
var stripeZeroDecimal = map[string]struct{}{
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "JPY": {}, "KMF": {}, "KRW": {}, "MGA": {},
	"PYG": {}, "RWF": {}, "UGX": {}, "VND": {}, "VUV": {}, "XAF": {}, "XOF": {}, "XPF": {},
}

// stripeShift is the power of ten between an order amount and the Stripe amount.
func stripeShift(currency string) int {
	exponent := 2
	if _, ok := stripeZeroDecimal[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		exponent = 0
	}
	return exponent - domain.CurrencyExponent(currency)
}

func toStripeAmount(amount int64, currency string) int64 {
	for shift := stripeShift(currency); shift > 0; shift-- {
		amount *= 10
	}
	return amount
}

func fromStripeAmount(amount int64, currency string) int64 {
	if currency == "" {
		return amount
	}
	for shift := stripeShift(currency); shift > 0; shift-- {
		amount /= 10
	}
	return amount
}

func isStripeSignatureFailure(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrTooOld)
}

func clampExpiry(now, requested time.Time) time.Time {
	if requested.IsZero() || requested.Before(now.Add(stripeMinSessionTTL)) {
		return now.Add(stripeMinSessionTTL)
	}
	if requested.After(now.Add(stripeMaxSessionTTL)) {
		return now.Add(stripeMaxSessionTTL)
	}
	return requested
}

func describeItems(items []LineItem) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		if item.Name == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%d x %s", item.Quantity, item.Name))
	}
	return strings.Join(parts, ", ")
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return stripe.String(value)
}
