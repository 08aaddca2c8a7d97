package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hanko-field/orderengine/internal/di"
	"github.com/hanko-field/orderengine/internal/jobs"
	"github.com/hanko-field/orderengine/internal/payments"
	"github.com/hanko-field/orderengine/internal/platform/config"
	"github.com/hanko-field/orderengine/internal/platform/events"
	"github.com/hanko-field/orderengine/internal/platform/secrets"
	"github.com/hanko-field/orderengine/internal/platform/textutil"
	"github.com/hanko-field/orderengine/internal/repositories"
	"github.com/hanko-field/orderengine/internal/services"
)

func newSecretResolver(ctx context.Context, logger *zap.Logger, env map[string]string, meter metric.Meter) (*secrets.Resolver, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		return strings.TrimSpace(env[key])
	}

	envLabel := strings.ToLower(lookup("ORDERS_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookup("ORDERS_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("ORDERS_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("ORDERS_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if meter != nil {
		opts = append(opts, secrets.WithMeter(meter))
	}
	if projects := textutil.LowerKeys(textutil.ParsePairs(lookup("ORDERS_SECRET_PROJECT_IDS"))); len(projects) > 0 {
		opts = append(opts, secrets.WithProjectMap(projects))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if pins := secretVersionPins(lookup("ORDERS_SECRET_VERSION_PINS")); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if credentialsFile := lookup("ORDERS_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewResolver(ctx, opts...)
}

// requiredSecretNames lists config fields that must resolve once their gateway is switched on.
func requiredSecretNames(env map[string]string) []string {
	required := []string{"Postgres.DSN"}
	if env != nil {
		if strings.TrimSpace(env["ORDERS_PSP_STRIPE_API_KEY"]) != "" {
			required = append(required, "PSP.StripeAPIKey", "PSP.StripeWebhookSecret")
		}
		if strings.TrimSpace(env["ORDERS_PSP_MIDTRANS_SERVER_KEY"]) != "" {
			required = append(required, "PSP.MidtransServerKey")
		}
		if strings.TrimSpace(env["ORDERS_REDIS_PASSWORD"]) != "" {
			required = append(required, "Redis.Password")
		}
	}
	return uniqueStrings(required)
}

// secretVersionPins parses "ref=version" pairs. Refs may carry an environment prefix
// ("prod:orders/stripe") and default to the secret:// scheme.
func secretVersionPins(raw string) map[string]string {
	pins := make(map[string]string)
	for ref, version := range textutil.ParsePairs(raw) {
		var prefix string
		if idx := strings.Index(ref, ":"); idx > 0 {
			schemeSplit := strings.Index(ref, "://")
			if schemeSplit == -1 || idx < schemeSplit {
				prefix = strings.ToLower(strings.TrimSpace(ref[:idx])) + ":"
				ref = strings.TrimSpace(ref[idx+1:])
			}
		}
		switch {
		case strings.HasPrefix(ref, "sm://"):
			ref = "secret://" + strings.TrimPrefix(ref, "sm://")
		case !strings.HasPrefix(ref, "secret://"):
			ref = "secret://" + ref
		}
		pins[prefix+ref] = version
	}
	return pins
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}

// secretManagerCheck rereads a well-known reference. NotFound still proves the API is reachable.
func secretManagerCheck(resolver *secrets.Resolver) (repositories.DependencyCheck, bool) {
	if resolver == nil {
		return repositories.DependencyCheck{}, false
	}
	const secretHealthReference = "secret://system/healthz?version=latest"
	return repositories.DependencyCheck{
		Name:    "secretManager",
		Timeout: time.Second,
		Check: func(ctx context.Context) error {
			_, _, err := resolver.Refresh(ctx, secretHealthReference)
			if err == nil {
				return nil
			}
			if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
				return nil
			}
			return err
		},
	}, true
}

// newEventPublisher returns a nil publisher when the backend is "none".
func newEventPublisher(ctx context.Context, cfg config.Config) (services.OrderEventPublisher, func(context.Context) error, error) {
	switch cfg.Events.Backend {
	case "pubsub":
		projectID := strings.TrimSpace(cfg.Firebase.ProjectID)
		if projectID == "" {
			projectID = strings.TrimSpace(cfg.Firestore.ProjectID)
		}
		client, err := pubsub.NewClient(ctx, projectID)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub client: %w", err)
		}
		topic := client.Topic(cfg.Events.Topic)
		topic.EnableMessageOrdering = true
		publisher, err := events.NewPubSubPublisher(topic)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return publisher, func(context.Context) error {
			topic.Stop()
			return client.Close()
		}, nil
	case "kafka":
		publisher, err := events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.Topic)
		if err != nil {
			return nil, nil, err
		}
		return publisher, func(context.Context) error { return publisher.Close() }, nil
	case "", "none":
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown events backend %q", cfg.Events.Backend)
	}
}

func newGatewayManager(cfg config.Config, logger *zap.Logger) (*payments.Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var gateways []payments.Gateway
	for _, name := range cfg.PSP.EnabledGateways() {
		gateway, err := buildGateway(name, cfg.PSP, logger)
		if err != nil {
			return nil, err
		}
		gateways = append(gateways, gateway)
	}
	if len(gateways) == 0 {
		return nil, errors.New("no payment gateway credentials configured")
	}

	var opts []payments.ManagerOption
	if cfg.Payments.DefaultGateway != "" {
		opts = append(opts, payments.WithDefaultGateway(cfg.Payments.DefaultGateway))
	}
	if len(cfg.Payments.CurrencyRoutes) > 0 {
		opts = append(opts, payments.WithCurrencyRoutes(cfg.Payments.CurrencyRoutes))
	}
	return payments.NewManager(gateways, opts...)
}

func buildGateway(name string, psp config.PSPConfig, logger *zap.Logger) (payments.Gateway, error) {
	switch name {
	case payments.GatewayStripe:
		return payments.NewStripeGateway(payments.StripeGatewayConfig{
			APIKey:        psp.StripeAPIKey,
			WebhookSecret: psp.StripeWebhookSecret,
			SuccessURL:    psp.StripeSuccessURL,
			CancelURL:     psp.StripeCancelURL,
			Logger:        di.ServiceLogger(logger.Named("stripe")),
			Clock:         time.Now,
		})
	case payments.GatewayMidtrans:
		return payments.NewMidtransGateway(payments.MidtransGatewayConfig{
			ServerKey:   psp.MidtransServerKey,
			APIBaseURL:  psp.MidtransBaseURL,
			SnapBaseURL: psp.MidtransSnapURL,
			Logger:      di.ServiceLogger(logger.Named("midtrans")),
			Clock:       time.Now,
		})
	default:
		return nil, fmt.Errorf("%w: %s", payments.ErrUnsupportedGateway, name)
	}
}

// gatewaySecretFields lists the PSP fields each gateway client is built from.
var gatewaySecretFields = map[string][]string{
	payments.GatewayStripe:   {"PSP.StripeAPIKey", "PSP.StripeWebhookSecret"},
	payments.GatewayMidtrans: {"PSP.MidtransServerKey"},
}

// gatewayCredentials returns the enabled gateways whose credentials came from secret references.
// Plain values cannot change at runtime and are left out.
func gatewayCredentials(cfg config.Config, logger *zap.Logger) []jobs.GatewayCredentials {
	if logger == nil {
		logger = zap.NewNop()
	}
	var out []jobs.GatewayCredentials
	for _, name := range cfg.PSP.EnabledGateways() {
		refs := make(map[string]string)
		for _, field := range gatewaySecretFields[name] {
			if ref, ok := cfg.SecretRefs[field]; ok {
				refs[field] = ref
			}
		}
		if len(refs) == 0 {
			continue
		}
		gateway := name
		base := cfg.PSP
		out = append(out, jobs.GatewayCredentials{
			Gateway: gateway,
			Refs:    refs,
			Build: func(values map[string]string) (payments.Gateway, error) {
				return buildGateway(gateway, withPSPSecrets(base, values), logger)
			},
		})
	}
	return out
}

func withPSPSecrets(psp config.PSPConfig, values map[string]string) config.PSPConfig {
	for field, value := range values {
		switch field {
		case "PSP.StripeAPIKey":
			psp.StripeAPIKey = value
		case "PSP.StripeWebhookSecret":
			psp.StripeWebhookSecret = value
		case "PSP.MidtransServerKey":
			psp.MidtransServerKey = value
		}
	}
	return psp
}

// handlerTimeout leaves the server a moment to write the 504 before its write deadline.
func handlerTimeout(writeTimeout time.Duration) time.Duration {
	if writeTimeout <= 0 {
		return 0
	}
	if writeTimeout <= 2*time.Second {
		return writeTimeout / 2
	}
	return writeTimeout - time.Second
}
