package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"

	"github.com/hanko-field/orderengine/internal/platform/textutil"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultPostgresMaxConns     = 8
	defaultPostgresMinConns     = 1
	defaultPostgresHealthPeriod = 30 * time.Second
	defaultRedisStatusTTL       = 5 * time.Minute
	defaultEventsBackend        = "none"
	defaultEventsTopic          = "order-events"
	defaultPaymentsCurrency     = "IDR"
	defaultSessionTTL           = 24 * time.Hour
	defaultMidtransBaseURL      = "https://api.sandbox.midtrans.com"
	defaultMidtransSnapURL      = "https://app.sandbox.midtrans.com"
	defaultSweepInterval        = time.Minute
	defaultStaleAfter           = 10 * time.Minute
	defaultSweepBatchSize       = 50
	defaultWebhookPerSecond     = 20
	defaultWebhookBurst         = 60
	defaultSecurityEnvironment  = "local"
	defaultSecretRotation       = 15 * time.Minute
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server         ServerConfig
	Postgres       PostgresConfig
	Firebase       FirebaseConfig
	Firestore      FirestoreConfig
	Redis          RedisConfig
	Events         EventsConfig
	PSP            PSPConfig
	Payments       PaymentsConfig
	Reconciliation ReconciliationConfig
	RateLimits     RateLimitConfig
	Security       SecurityConfig
	Idempotency    IdempotencyConfig
	// SecretRefs maps secret fields such as "PSP.StripeAPIKey" to the reference they were
	// resolved from. Fields given as plain values are absent.
	SecretRefs map[string]string
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// PostgresConfig configures the transactional store.
type PostgresConfig struct {
	DSN               string
	MaxConns          int
	MinConns          int
	HealthCheckPeriod time.Duration
	MigrateOnStart    bool
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores document store parameters. An empty ProjectID disables Firestore backed stores.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// RedisConfig configures the payment status cache. An empty Addr disables caching.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	StatusTTL time.Duration
}

// EventsConfig selects the order event backend: pubsub, kafka or none.
type EventsConfig struct {
	Backend      string
	Topic        string
	KafkaBrokers []string
}

// PSPConfig collects secrets for payment providers.
type PSPConfig struct {
	StripeAPIKey        string
	StripeWebhookSecret string
	StripeSuccessURL    string
	StripeCancelURL     string
	MidtransServerKey   string
	MidtransBaseURL     string
	MidtransSnapURL     string
}

// PaymentsConfig controls gateway routing and session lifetime.
type PaymentsConfig struct {
	DefaultGateway  string
	DefaultCurrency string
	CurrencyRoutes  map[string]string
	SessionTTL      time.Duration
	// ReferenceTimeZone is the IANA zone whose midnight starts a new ORD-YYYYMMDD sequence.
	ReferenceTimeZone string
}

// ReconciliationConfig drives the background sweeper and on-demand polling.
type ReconciliationConfig struct {
	SweepInterval time.Duration
	StaleAfter    time.Duration
	BatchSize     int
}

// RateLimitConfig controls webhook throttling.
type RateLimitConfig struct {
	WebhookPerSecond int
	WebhookBurst     int
}

// SecurityConfig groups authentication settings.
type SecurityConfig struct {
	Environment string
	// SecretRotationInterval is how often gateway secrets are reread; zero disables rotation.
	SecretRotationInterval time.Duration
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets resolved to empty values.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// RedactedNames returns hashed secret identifiers safe for logs.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		sum := sha256.Sum256([]byte(name))
		out = append(out, hex.EncodeToString(sum[:8]))
	}
	sort.Strings(out)
	return out
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks config fields (e.g. "PSP.StripeAPIKey") that must resolve to a value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := readDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if value, ok := dotEnvValues[key]; ok {
			return value, true
		}
		return "", false
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "ORDERS_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "ORDERS_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "ORDERS_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "ORDERS_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Postgres: PostgresConfig{
			DSN:               stringWithDefault(lookup, "ORDERS_POSTGRES_DSN", ""),
			MaxConns:          intWithDefault(lookup, "ORDERS_POSTGRES_MAX_CONNS", defaultPostgresMaxConns),
			MinConns:          intWithDefault(lookup, "ORDERS_POSTGRES_MIN_CONNS", defaultPostgresMinConns),
			HealthCheckPeriod: durationWithDefault(lookup, "ORDERS_POSTGRES_HEALTH_PERIOD", defaultPostgresHealthPeriod),
			MigrateOnStart:    boolWithDefault(lookup, "ORDERS_POSTGRES_MIGRATE", true),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "ORDERS_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "ORDERS_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "ORDERS_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "ORDERS_FIRESTORE_EMULATOR_HOST", ""),
		},
		Redis: RedisConfig{
			Addr:      stringWithDefault(lookup, "ORDERS_REDIS_ADDR", ""),
			Password:  stringWithDefault(lookup, "ORDERS_REDIS_PASSWORD", ""),
			DB:        intWithDefault(lookup, "ORDERS_REDIS_DB", 0),
			StatusTTL: durationWithDefault(lookup, "ORDERS_REDIS_STATUS_TTL", defaultRedisStatusTTL),
		},
		Events: EventsConfig{
			Backend:      strings.ToLower(stringWithDefault(lookup, "ORDERS_EVENTS_BACKEND", defaultEventsBackend)),
			Topic:        stringWithDefault(lookup, "ORDERS_EVENTS_TOPIC", defaultEventsTopic),
			KafkaBrokers: csvWithDefault(lookup, "ORDERS_EVENTS_KAFKA_BROKERS"),
		},
		PSP: PSPConfig{
			StripeAPIKey:        stringWithDefault(lookup, "ORDERS_PSP_STRIPE_API_KEY", ""),
			StripeWebhookSecret: stringWithDefault(lookup, "ORDERS_PSP_STRIPE_WEBHOOK_SECRET", ""),
			StripeSuccessURL:    stringWithDefault(lookup, "ORDERS_PSP_STRIPE_SUCCESS_URL", ""),
			StripeCancelURL:     stringWithDefault(lookup, "ORDERS_PSP_STRIPE_CANCEL_URL", ""),
			MidtransServerKey:   stringWithDefault(lookup, "ORDERS_PSP_MIDTRANS_SERVER_KEY", ""),
			MidtransBaseURL:     stringWithDefault(lookup, "ORDERS_PSP_MIDTRANS_BASE_URL", defaultMidtransBaseURL),
			MidtransSnapURL:     stringWithDefault(lookup, "ORDERS_PSP_MIDTRANS_SNAP_URL", defaultMidtransSnapURL),
		},
		Payments: PaymentsConfig{
			DefaultGateway:    strings.ToLower(stringWithDefault(lookup, "ORDERS_PAYMENTS_DEFAULT_GATEWAY", "")),
			DefaultCurrency:   strings.ToUpper(stringWithDefault(lookup, "ORDERS_PAYMENTS_DEFAULT_CURRENCY", defaultPaymentsCurrency)),
			CurrencyRoutes:    mapWithDefault(lookup, "ORDERS_PAYMENTS_CURRENCY_ROUTES"),
			SessionTTL:        durationWithDefault(lookup, "ORDERS_PAYMENTS_SESSION_TTL", defaultSessionTTL),
			ReferenceTimeZone: stringWithDefault(lookup, "ORDERS_PAYMENTS_REFERENCE_TIMEZONE", "UTC"),
		},
		Reconciliation: ReconciliationConfig{
			SweepInterval: durationWithDefault(lookup, "ORDERS_RECONCILE_SWEEP_INTERVAL", defaultSweepInterval),
			StaleAfter:    durationWithDefault(lookup, "ORDERS_RECONCILE_STALE_AFTER", defaultStaleAfter),
			BatchSize:     intWithDefault(lookup, "ORDERS_RECONCILE_BATCH_SIZE", defaultSweepBatchSize),
		},
		RateLimits: RateLimitConfig{
			WebhookPerSecond: intWithDefault(lookup, "ORDERS_RATELIMIT_WEBHOOK_PER_SEC", defaultWebhookPerSecond),
			WebhookBurst:     intWithDefault(lookup, "ORDERS_RATELIMIT_WEBHOOK_BURST", defaultWebhookBurst),
		},
		Security: SecurityConfig{
			Environment:            strings.ToLower(stringWithDefault(lookup, "ORDERS_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			SecretRotationInterval: durationWithDefault(lookup, "ORDERS_SECRET_ROTATION_INTERVAL", defaultSecretRotation),
		},
		Idempotency: IdempotencyConfig{
			Header:           stringWithDefault(lookup, "ORDERS_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "ORDERS_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "ORDERS_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "ORDERS_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}

	// Firestore project defaults to Firebase project when unspecified.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}

	resolvedSecrets := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Postgres.DSN", &cfg.Postgres.DSN},
		{"Redis.Password", &cfg.Redis.Password},
		{"PSP.StripeAPIKey", &cfg.PSP.StripeAPIKey},
		{"PSP.StripeWebhookSecret", &cfg.PSP.StripeWebhookSecret},
		{"PSP.MidtransServerKey", &cfg.PSP.MidtransServerKey},
	}
	cfg.SecretRefs = make(map[string]string)
	for _, target := range secretFields {
		if isSecretReference(*target.field) {
			cfg.SecretRefs[target.name] = normalizeSecretReference(*target.field)
		}
		resolved, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = resolved
		resolvedSecrets[target.name] = strings.TrimSpace(resolved)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolvedSecrets); missing != nil {
		return Config{}, missing
	}

	return cfg, nil
}

// EnvironmentValues returns the merged environment with the same precedence as Load
// (dotenv < OS env < explicit map) so callers can build secret resolvers before Load runs.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := readDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(dotEnvValues))
	for key, value := range dotEnvValues {
		values[key] = value
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if !ok || strings.TrimSpace(key) == "" {
				continue
			}
			values[strings.TrimSpace(key)] = value
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

// EnabledGateways lists the gateways with credentials configured.
func (c PSPConfig) EnabledGateways() []string {
	var out []string
	if strings.TrimSpace(c.StripeAPIKey) != "" {
		out = append(out, "stripe")
	}
	if strings.TrimSpace(c.MidtransServerKey) != "" {
		out = append(out, "midtrans")
	}
	return out
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if strings.TrimSpace(cfg.Postgres.DSN) == "" {
		missing = append(missing, "Postgres.DSN")
	}
	if cfg.Postgres.MaxConns <= 0 || cfg.Postgres.MinConns < 0 || cfg.Postgres.MinConns > cfg.Postgres.MaxConns {
		missing = append(missing, "Postgres.MaxConns")
	}
	switch cfg.Events.Backend {
	case "none":
	case "pubsub":
		if cfg.Firebase.ProjectID == "" && cfg.Firestore.ProjectID == "" {
			missing = append(missing, "Firebase.ProjectID")
		}
	case "kafka":
		if len(cfg.Events.KafkaBrokers) == 0 {
			missing = append(missing, "Events.KafkaBrokers")
		}
	default:
		missing = append(missing, "Events.Backend")
	}
	if cfg.PSP.StripeAPIKey != "" && cfg.PSP.StripeWebhookSecret == "" {
		missing = append(missing, "PSP.StripeWebhookSecret")
	}
	if cfg.Payments.DefaultGateway != "" {
		enabled := false
		for _, name := range cfg.PSP.EnabledGateways() {
			if name == cfg.Payments.DefaultGateway {
				enabled = true
			}
		}
		if !enabled {
			missing = append(missing, "Payments.DefaultGateway")
		}
	}
	if cfg.Payments.SessionTTL <= 0 {
		missing = append(missing, "Payments.SessionTTL")
	}
	if _, err := time.LoadLocation(cfg.Payments.ReferenceTimeZone); err != nil {
		missing = append(missing, "Payments.ReferenceTimeZone")
	}
	if cfg.Reconciliation.SweepInterval <= 0 {
		missing = append(missing, "Reconciliation.SweepInterval")
	}
	if cfg.Reconciliation.StaleAfter <= 0 {
		missing = append(missing, "Reconciliation.StaleAfter")
	}
	if cfg.Reconciliation.BatchSize <= 0 {
		missing = append(missing, "Reconciliation.BatchSize")
	}
	if cfg.RateLimits.WebhookPerSecond <= 0 || cfg.RateLimits.WebhookBurst <= 0 {
		missing = append(missing, "RateLimits.WebhookBurst")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		missing = append(missing, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		missing = append(missing, "Idempotency.CleanupBatchSize")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	var missing []string
	seen := make(map[string]struct{})
	for _, name := range required {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		if resolved[trimmed] == "" {
			missing = append(missing, trimmed)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{names: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

// readDotEnv returns nil values when the file is absent.
func readDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	if _, err := os.Stat(absPath); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	values, err := godotenv.Read(absPath)
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// mapWithDefault parses "key=value,key2=value2" pairs, lower-casing keys.
func mapWithDefault(lookup func(string) (string, bool), key string) map[string]string {
	raw, ok := lookup(key)
	if !ok {
		return map[string]string{}
	}
	return textutil.LowerKeys(textutil.ParsePairs(raw))
}
