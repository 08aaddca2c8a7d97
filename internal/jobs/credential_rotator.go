package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hanko-field/orderengine/internal/payments"
)

const defaultRotationInterval = 15 * time.Minute

// SecretRefresher rereads a secret reference and reports whether its value changed.
type SecretRefresher interface {
	Refresh(ctx context.Context, ref string) (string, bool, error)
}

// GatewaySwapper replaces a registered gateway.
type GatewaySwapper interface {
	Replace(gateway payments.Gateway) error
}

// GatewayCredentials ties a gateway to the secret references its client is built from.
type GatewayCredentials struct {
	Gateway string
	// Refs maps a config field such as "PSP.StripeAPIKey" to its secret reference.
	Refs map[string]string
	// Build creates a gateway from the current value of every field in Refs.
	Build func(values map[string]string) (payments.Gateway, error)
}

// CredentialRotatorConfig configures the credential rotator.
type CredentialRotatorConfig struct {
	Secrets     SecretRefresher
	Gateways    GatewaySwapper
	Credentials []GatewayCredentials
	Interval    time.Duration
	Logger      *zap.Logger
}

// CredentialRotator rebuilds payment gateways whose secrets changed in Secret Manager, so a
// rotated Stripe key or Midtrans server key is picked up without a restart.
type CredentialRotator struct {
	secrets     SecretRefresher
	gateways    GatewaySwapper
	credentials []GatewayCredentials
	interval    time.Duration
	logger      *zap.Logger
}

func NewCredentialRotator(cfg CredentialRotatorConfig) (*CredentialRotator, error) {
	if cfg.Secrets == nil {
		return nil, errors.New("credential rotator: secret refresher is required")
	}
	if cfg.Gateways == nil {
		return nil, errors.New("credential rotator: gateway swapper is required")
	}
	for i, cred := range cfg.Credentials {
		if strings.TrimSpace(cred.Gateway) == "" || cred.Build == nil || len(cred.Refs) == 0 {
			return nil, fmt.Errorf("credential rotator: credentials %d need a gateway, refs and a builder", i)
		}
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultRotationInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CredentialRotator{
		secrets:     cfg.Secrets,
		gateways:    cfg.Gateways,
		credentials: cfg.Credentials,
		interval:    interval,
		logger:      logger,
	}, nil
}

// Run refreshes credentials on every tick until ctx is cancelled.
func (r *CredentialRotator) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rotated, err := r.RotateOnce(ctx)
			if err != nil {
				r.logger.Error("gateway credential rotation failed", zap.Error(err))
			}
			if len(rotated) > 0 {
				r.logger.Info("gateway credentials rotated", zap.Strings("gateways", rotated))
			}
		}
	}
}

// RotateOnce returns the gateways that were rebuilt. A gateway whose secrets cannot be read or
// whose rebuild fails keeps serving with its current credentials.
func (r *CredentialRotator) RotateOnce(ctx context.Context) ([]string, error) {
	var (
		rotated []string
		errs    []error
	)
	for _, cred := range r.credentials {
		changed, err := r.rotate(ctx, cred)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", cred.Gateway, err))
			continue
		}
		if changed {
			rotated = append(rotated, cred.Gateway)
		}
	}
	return rotated, errors.Join(errs...)
}

func (r *CredentialRotator) rotate(ctx context.Context, cred GatewayCredentials) (bool, error) {
	fields := make([]string, 0, len(cred.Refs))
	for field := range cred.Refs {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	values := make(map[string]string, len(fields))
	var changed []string
	for _, field := range fields {
		value, rotated, err := r.secrets.Refresh(ctx, cred.Refs[field])
		if err != nil {
			return false, fmt.Errorf("refresh %s: %w", field, err)
		}
		values[field] = value
		if rotated {
			changed = append(changed, field)
		}
	}
	if len(changed) == 0 {
		return false, nil
	}

	gateway, err := cred.Build(values)
	if err != nil {
		return false, fmt.Errorf("rebuild with rotated %s: %w", strings.Join(changed, ", "), err)
	}
	if err := r.gateways.Replace(gateway); err != nil {
		return false, err
	}
	r.logger.Info("payment gateway credentials replaced",
		zap.String("gateway", cred.Gateway),
		zap.Strings("fields", changed),
	)
	return true, nil
}
