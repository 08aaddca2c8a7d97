package payments

import (
	"bytes"
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	domain "github.com/hanko-field/orderengine/internal/domain"
)

const (
	midtransSandboxAPIURL     = "https://api.sandbox.midtrans.com"
	midtransSandboxSnapURL    = "https://app.sandbox.midtrans.com"
	midtransCurrency          = "IDR"
	defaultMidtransTimeout    = 15 * time.Second
	midtransMaxResponseBytes  = 1 << 20
	midtransTransactionAbsent = "404"
	midtransAttemptSeparator  = "."
)

// HTTPDoer is the subset of *http.Client used by HTTP based gateways.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// MidtransGatewayConfig configures the MidtransGateway.
type MidtransGatewayConfig struct {
	ServerKey string
	// APIBaseURL hosts the core API used for status polling.
	APIBaseURL string
	// SnapBaseURL hosts the Snap checkout API.
	SnapBaseURL string
	HTTPClient  HTTPDoer
	Logger      Logger
	Clock       func() time.Time
}

// MidtransGateway talks to Midtrans Snap over plain HTTP.
type MidtransGateway struct {
	serverKey string
	apiURL    string
	snapURL   string
	http      HTTPDoer
	clock     func() time.Time
	logger    Logger
}

var _ Gateway = (*MidtransGateway)(nil)

// NewMidtransGateway constructs a Midtrans gateway. Base URLs default to the sandbox hosts.
func NewMidtransGateway(cfg MidtransGatewayConfig) (*MidtransGateway, error) {
	serverKey := strings.TrimSpace(cfg.ServerKey)
	if serverKey == "" {
		return nil, errors.New("midtrans: server key is required")
	}
	apiURL := strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if apiURL == "" {
		apiURL = midtransSandboxAPIURL
	}
	snapURL := strings.TrimRight(strings.TrimSpace(cfg.SnapBaseURL), "/")
	if snapURL == "" {
		snapURL = midtransSandboxSnapURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultMidtransTimeout}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &MidtransGateway{
		serverKey: serverKey,
		apiURL:    apiURL,
		snapURL:   snapURL,
		http:      httpClient,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (g *MidtransGateway) Name() string { return GatewayMidtrans }

type snapTransactionRequest struct {
	TransactionDetails struct {
		OrderID     string `json:"order_id"`
		GrossAmount int64  `json:"gross_amount"`
	} `json:"transaction_details"`
	CustomerDetails *snapCustomer `json:"customer_details,omitempty"`
	Expiry          *snapExpiry   `json:"expiry,omitempty"`
}

type snapCustomer struct {
	FirstName string `json:"first_name"`
}

type snapExpiry struct {
	StartTime string `json:"start_time"`
	Unit      string `json:"unit"`
	Duration  int64  `json:"duration"`
}

type snapTransactionResponse struct {
	Token         string   `json:"token"`
	RedirectURL   string   `json:"redirect_url"`
	ErrorMessages []string `json:"error_messages"`
}

// CreateSession opens a Snap transaction. The Midtrans order_id is the order reference, suffixed
// with the attempt number after the first session. Midtrans rejects a reused order_id, so a
// retried call cannot create a second charge while a renewed session still gets a fresh one.
// The order_id is returned as the session TransactionID for status polling.
func (g *MidtransGateway) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	if !strings.EqualFold(req.Currency, midtransCurrency) {
		return Session{}, fmt.Errorf("%w: midtrans charges %s only, got %s", ErrUnsupportedCurrency, midtransCurrency, req.Currency)
	}
	now := g.clock()
	orderID := midtransOrderID(req.OrderReference, req.Attempt)

	var body snapTransactionRequest
	body.TransactionDetails.OrderID = orderID
	// IDR has no minor unit, so order amounts are already whole rupiah.
	body.TransactionDetails.GrossAmount = req.Amount
	if req.CustomerID != "" {
		body.CustomerDetails = &snapCustomer{FirstName: req.CustomerID}
	}
	if !req.ExpiresAt.IsZero() && req.ExpiresAt.After(now) {
		minutes := int64(req.ExpiresAt.Sub(now).Round(time.Minute) / time.Minute)
		if minutes < 1 {
			minutes = 1
		}
		body.Expiry = &snapExpiry{
			// Midtrans expects "yyyy-MM-dd HH:mm:ss Z".
			StartTime: now.Format("2006-01-02 15:04:05 -0700"),
			Unit:      "minutes",
			Duration:  minutes,
		}
	}

	var resp snapTransactionResponse
	status, err := g.do(ctx, http.MethodPost, g.snapURL+"/snap/v1/transactions", body, &resp)
	if err != nil {
		return Session{}, gatewayErr(GatewayMidtrans, "create session", err)
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return Session{}, gatewayErr(GatewayMidtrans, "create session",
			fmt.Errorf("unexpected status %d: %s", status, strings.Join(resp.ErrorMessages, "; ")))
	}
	if resp.Token == "" {
		return Session{}, gatewayErr(GatewayMidtrans, "create session", errors.New("response carried no token"))
	}

	g.logger(ctx, "payments.midtrans.session.created", map[string]any{
		"orderReference":  req.OrderReference,
		"midtransOrderId": orderID,
		"amount":          req.Amount,
	})

	expiresAt := req.ExpiresAt
	if expiresAt.IsZero() {
		// Snap tokens stay valid for 24 hours unless an expiry is set.
		expiresAt = now.Add(24 * time.Hour)
	}
	return Session{
		Gateway:       GatewayMidtrans,
		Token:         resp.Token,
		RedirectURL:   resp.RedirectURL,
		TransactionID: orderID,
		ExpiresAt:     expiresAt,
	}, nil
}

// midtransOrderID keeps the bare reference for the first attempt. References never contain the
// separator, so the suffix can be cut off again.
func midtransOrderID(reference string, attempt int) string {
	if attempt <= 1 {
		return reference
	}
	return reference + midtransAttemptSeparator + strconv.Itoa(attempt)
}

func midtransReference(orderID string) string {
	reference, _, _ := strings.Cut(orderID, midtransAttemptSeparator)
	return reference
}

// SessionAttempt reads the attempt number back from a Midtrans session TransactionID. Other
// identifiers count as attempt 1.
func SessionAttempt(transactionID string) int {
	_, suffix, ok := strings.Cut(transactionID, midtransAttemptSeparator)
	if !ok {
		return 1
	}
	attempt, err := strconv.Atoi(suffix)
	if err != nil || attempt < 1 {
		return 1
	}
	return attempt
}

// midtransNotification is shared by HTTP notifications and the status API response.
type midtransNotification struct {
	OrderID           string `json:"order_id"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
	TransactionID     string `json:"transaction_id"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	TransactionTime   string `json:"transaction_time"`
	StatusMessage     string `json:"status_message"`
}

// NormalizeWebhook checks signature_key before trusting any other field of the notification.
func (g *MidtransGateway) NormalizeWebhook(ctx context.Context, req WebhookRequest) (PaymentEvent, error) {
	var note midtransNotification
	if err := json.Unmarshal(req.Body, &note); err != nil {
		return PaymentEvent{}, fmt.Errorf("%w: %v", ErrWebhookPayload, err)
	}
	if !g.validSignature(note) {
		return PaymentEvent{}, ErrWebhookSignature
	}
	if note.OrderID == "" || note.TransactionStatus == "" {
		return PaymentEvent{}, fmt.Errorf("%w: order_id and transaction_status are required", ErrWebhookPayload)
	}
	amount, err := parseMidtransAmount(note.GrossAmount)
	if err != nil {
		return PaymentEvent{}, fmt.Errorf("%w: %v", ErrWebhookPayload, err)
	}
	return g.event(note, amount), nil
}

// PollStatus queries GET /v2/{order_id}/status for the session's order_id, falling back to the
// bare reference. An unknown transaction is reported as pending.
func (g *MidtransGateway) PollStatus(ctx context.Context, req PollRequest) (PaymentEvent, error) {
	reference := strings.TrimSpace(req.OrderReference)
	orderID := strings.TrimSpace(req.TransactionID)
	if orderID == "" {
		orderID = reference
	}
	if reference == "" {
		reference = midtransReference(orderID)
	}
	if reference == "" {
		return PaymentEvent{}, gatewayErr(GatewayMidtrans, "poll status", errors.New("order reference is required"))
	}
	var note midtransNotification
	status, err := g.do(ctx, http.MethodGet, g.apiURL+"/v2/"+url.PathEscape(orderID)+"/status", nil, &note)
	if err != nil {
		return PaymentEvent{}, gatewayErr(GatewayMidtrans, "poll status", err)
	}
	if status == http.StatusNotFound || note.StatusCode == midtransTransactionAbsent {
		return PaymentEvent{
			OrderReference: reference,
			Status:         domain.PaymentStatusPending,
			RawStatus:      "not_found",
			Provider:       GatewayMidtrans,
			OccurredAt:     g.clock(),
		}, nil
	}
	if status != http.StatusOK {
		return PaymentEvent{}, gatewayErr(GatewayMidtrans, "poll status", fmt.Errorf("unexpected status %d: %s", status, note.StatusMessage))
	}
	amount, err := parseMidtransAmount(note.GrossAmount)
	if err != nil {
		return PaymentEvent{}, gatewayErr(GatewayMidtrans, "poll status", err)
	}
	if note.OrderID == "" {
		note.OrderID = orderID
	}
	return g.event(note, amount), nil
}

func (g *MidtransGateway) event(note midtransNotification, amount int64) PaymentEvent {
	return PaymentEvent{
		OrderReference:        midtransReference(note.OrderID),
		Status:                midtransStatus(note.TransactionStatus, note.FraudStatus),
		ProviderTransactionID: note.TransactionID,
		RawStatus:             strings.TrimSuffix(note.TransactionStatus+"/"+note.FraudStatus, "/"),
		Provider:              GatewayMidtrans,
		Amount:                amount,
		OccurredAt:            g.occurredAt(note.TransactionTime),
	}
}

func (g *MidtransGateway) validSignature(note midtransNotification) bool {
	if note.SignatureKey == "" {
		return false
	}
	expected := MidtransSignature(note.OrderID, note.StatusCode, note.GrossAmount, g.serverKey)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(note.SignatureKey))) == 1
}

// MidtransSignature computes the notification signature_key: SHA512(order_id + status_code + gross_amount + server_key).
func MidtransSignature(orderID, statusCode, grossAmount, serverKey string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + serverKey))
	return hex.EncodeToString(sum[:])
}

func midtransStatus(transactionStatus, fraudStatus string) domain.PaymentStatus {
	switch strings.ToLower(transactionStatus) {
	case "capture":
		switch strings.ToLower(fraudStatus) {
		case "challenge":
			return domain.PaymentStatusPending
		case "deny":
			return domain.PaymentStatusFailed
		default:
			return domain.PaymentStatusPaid
		}
	case "settlement":
		return domain.PaymentStatusPaid
	case "deny", "failure":
		return domain.PaymentStatusFailed
	case "cancel", "refund", "partial_refund":
		return domain.PaymentStatusCancelled
	default:
		// pending, authorize and anything new. An expired Snap transaction only ends one attempt;
		// the order stays payable through a new session.
		return domain.PaymentStatusPending
	}
}

// Midtrans reports "2006-01-02 15:04:05" in Asia/Jakarta.
var jakarta = time.FixedZone("WIB", 7*60*60)

func (g *MidtransGateway) occurredAt(raw string) time.Time {
	if raw != "" {
		if ts, err := time.ParseInLocation("2006-01-02 15:04:05", raw, jakarta); err == nil {
			return ts.UTC()
		}
	}
	return g.clock()
}

func parseMidtransAmount(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	whole, fraction, _ := strings.Cut(raw, ".")
	if strings.Trim(fraction, "0") != "" {
		return 0, fmt.Errorf("gross_amount %q has a fractional part", raw)
	}
	amount, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("gross_amount %q: %w", raw, err)
	}
	return amount, nil
}

func (g *MidtransGateway) do(ctx context.Context, method, endpoint string, payload any, out any) (int, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, err
	}
	req.SetBasicAuth(g.serverKey, "")
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, midtransMaxResponseBytes))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if len(data) > 0 && out != nil {
		if err := json.Unmarshal(data, out); err != nil && resp.StatusCode < 300 {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
