package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/hanko-field/orderengine/internal/domain"
)

const (
	GatewayStripe   = "stripe"
	GatewayMidtrans = "midtrans"
	// GatewayManual marks payments recorded by an operator instead of a provider callback.
	GatewayManual = "manual"
)

var (
	// ErrGateway matches every *GatewayError.
	ErrGateway = errors.New("payments: gateway error")
	// ErrWebhookSignature is returned when a callback fails provider signature verification.
	ErrWebhookSignature = errors.New("payments: invalid webhook signature")
	// ErrWebhookPayload is returned when a verified callback cannot be decoded.
	ErrWebhookPayload = errors.New("payments: malformed webhook payload")
	// ErrWebhookIgnored is returned for verified callbacks that carry no order state, such as unrelated Stripe events.
	ErrWebhookIgnored = errors.New("payments: webhook event ignored")
	// ErrUnsupportedGateway is returned when the manager cannot locate a gateway.
	ErrUnsupportedGateway = errors.New("payments: unsupported gateway")
	// ErrUnsupportedCurrency is returned when a gateway cannot charge in the order currency.
	ErrUnsupportedCurrency = errors.New("payments: unsupported currency")
)

// GatewayError wraps a failed call to a payment provider.
type GatewayError struct {
	Gateway string
	Op      string
	Err     error
}

func (e *GatewayError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s: %v", e.Gateway, e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is lets callers match any gateway failure with errors.Is(err, ErrGateway).
func (e *GatewayError) Is(target error) bool {
	return target == ErrGateway
}

func gatewayErr(gateway, op string, err error) error {
	return &GatewayError{Gateway: gateway, Op: op, Err: err}
}

// Logger is the structured logging hook used by gateway adapters.
type Logger func(ctx context.Context, event string, fields map[string]any)

func noopLogger(context.Context, string, map[string]any) {}

// LineItem is a purchased variant forwarded to the provider for display.
type LineItem struct {
	Name     string
	SKU      string
	Quantity int64
	Amount   int64
}

// SessionRequest carries the order data a provider needs to open a checkout session.
type SessionRequest struct {
	OrderID        string
	OrderReference string
	CustomerID     string
	Amount         int64
	Currency       string
	Items          []LineItem
	ExpiresAt      time.Time
	IdempotencyKey string
	// Attempt counts checkout sessions opened for the order, starting at 1.
	Attempt int
}

// Session is the checkout handle returned to the customer.
type Session struct {
	Gateway       string
	Token         string
	RedirectURL   string
	TransactionID string
	ExpiresAt     time.Time
}

// WebhookRequest is the raw callback as received over HTTP. Body must be the unmodified bytes.
type WebhookRequest struct {
	Headers http.Header
	Body    []byte
}

// PollRequest identifies the provider transaction to query.
type PollRequest struct {
	OrderReference string
	SessionToken   string
	// TransactionID is the Session.TransactionID stored when the session was opened.
	TransactionID string
}

// PaymentEvent is the gateway independent description of a payment state change.
type PaymentEvent struct {
	OrderReference        string
	Status                domain.PaymentStatus
	ProviderTransactionID string
	RawStatus             string
	Provider              string
	Amount                int64
	OccurredAt            time.Time
}

// Gateway is implemented by every payment provider adapter.
type Gateway interface {
	Name() string
	CreateSession(ctx context.Context, req SessionRequest) (Session, error)
	// NormalizeWebhook verifies the callback signature before reading any business field.
	NormalizeWebhook(ctx context.Context, req WebhookRequest) (PaymentEvent, error)
	PollStatus(ctx context.Context, req PollRequest) (PaymentEvent, error)
}

// Manager resolves gateways by name, currency route or default. Registered gateways can be
// swapped at runtime when their credentials rotate.
type Manager struct {
	mu             sync.RWMutex
	gateways       map[string]Gateway
	defaultGateway string
	currencyRoutes map[string]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultGateway overrides the gateway used when neither a preference nor a currency route matches.
func WithDefaultGateway(name string) ManagerOption {
	return func(m *Manager) {
		m.defaultGateway = normalizeName(name)
	}
}

// WithCurrencyRoutes configures static currency to gateway mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = normalizeName(v)
		}
	}
}

// NewManager constructs a Manager over the supplied gateways.
func NewManager(gateways []Gateway, opts ...ManagerOption) (*Manager, error) {
	if len(gateways) == 0 {
		return nil, errors.New("payments: at least one gateway is required")
	}
	registry := make(map[string]Gateway, len(gateways))
	for i, gw := range gateways {
		if gw == nil {
			return nil, fmt.Errorf("payments: gateway %d is nil", i)
		}
		name := normalizeName(gw.Name())
		if name == "" {
			return nil, fmt.Errorf("payments: gateway %d has no name", i)
		}
		if _, dup := registry[name]; dup {
			return nil, fmt.Errorf("payments: gateway %q registered twice", name)
		}
		registry[name] = gw
	}
	m := &Manager{gateways: registry}
	if _, ok := registry[GatewayStripe]; ok {
		m.defaultGateway = GatewayStripe
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Selection holds the hints available when picking a gateway for a new session.
type Selection struct {
	Preferred string
	Currency  string
}

// Get returns the gateway registered under name.
func (m *Manager) Get(name string) (Gateway, error) {
	if m == nil {
		return nil, errors.New("payments: manager is nil")
	}
	m.mu.RLock()
	gw, ok := m.gateways[normalizeName(name)]
	m.mu.RUnlock()
	if ok {
		return gw, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedGateway, name)
}

// Replace swaps the gateway registered under gw.Name(). Calls already holding the old gateway
// finish with it.
func (m *Manager) Replace(gw Gateway) error {
	if m == nil {
		return errors.New("payments: manager is nil")
	}
	if gw == nil {
		return errors.New("payments: replacement gateway is nil")
	}
	name := normalizeName(gw.Name())
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.gateways[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedGateway, name)
	}
	m.gateways[name] = gw
	return nil
}

// Resolve picks a gateway for a new session. An explicit but unknown preference is an error.
func (m *Manager) Resolve(sel Selection) (Gateway, error) {
	if m == nil {
		return nil, errors.New("payments: manager is nil")
	}
	if preferred := normalizeName(sel.Preferred); preferred != "" {
		return m.Get(preferred)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	currency := strings.ToUpper(strings.TrimSpace(sel.Currency))
	if currency != "" {
		if name, ok := m.currencyRoutes[currency]; ok {
			if gw, ok := m.gateways[name]; ok {
				return gw, nil
			}
		}
	}
	if m.defaultGateway != "" {
		if gw, ok := m.gateways[m.defaultGateway]; ok {
			return gw, nil
		}
	}
	if len(m.gateways) == 1 {
		for _, gw := range m.gateways {
			return gw, nil
		}
	}
	return nil, ErrUnsupportedGateway
}

// Names lists the registered gateways with the default first and the rest sorted.
func (m *Manager) Names() []string {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.gateways))
	for name := range m.gateways {
		if name != m.defaultGateway {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if _, ok := m.gateways[m.defaultGateway]; ok {
		names = append([]string{m.defaultGateway}, names...)
	}
	return names
}

// CheckRoutes reports a default gateway or currency route that points at an unregistered gateway.
// Such a route fails every checkout it matches.
func (m *Manager) CheckRoutes(context.Context) error {
	if m == nil {
		return errors.New("payments: manager is nil")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var broken []string
	if m.defaultGateway != "" {
		if _, ok := m.gateways[m.defaultGateway]; !ok {
			broken = append(broken, "default->"+m.defaultGateway)
		}
	}
	for currency, name := range m.currencyRoutes {
		if _, ok := m.gateways[name]; !ok {
			broken = append(broken, currency+"->"+name)
		}
	}
	if len(broken) == 0 {
		return nil
	}
	sort.Strings(broken)
	return fmt.Errorf("%w: %s", ErrUnsupportedGateway, strings.Join(broken, ", "))
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
