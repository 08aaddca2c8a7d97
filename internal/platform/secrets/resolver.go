package secrets

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultEnvironment  = "local"
	defaultFallbackPath = ".secrets.local"
	meterScope          = "github.com/hanko-field/orderengine/internal/platform/secrets"

	sourceRemote   = "remote"
	sourceFallback = "fallback"
	sourceCache    = "cache"
)

var newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (SecretManagerClient, error) {
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// SecretManagerClient is the part of the Secret Manager API the resolver calls.
type SecretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Resolver turns secret references into values. Values come from Secret Manager and are cached
// until Refresh reads them again; when Secret Manager cannot be reached a dotenv style fallback
// file is consulted instead.
type Resolver struct {
	client     SecretManagerClient
	ownsClient bool
	logger     *zap.Logger

	env            string
	defaultProject string
	projects       map[string]string
	pins           map[string]string

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string

	mu    sync.RWMutex
	cache map[string]cachedSecret

	latency   metric.Float64Histogram
	rotations metric.Int64Counter
}

type cachedSecret struct {
	value     string
	digest    [sha256.Size]byte
	source    string
	fetchedAt time.Time
}

type resolverConfig struct {
	logger         *zap.Logger
	env            string
	defaultProject string
	projects       map[string]string
	pins           map[string]string
	fallbackPath   string
	meter          metric.Meter
	client         SecretManagerClient
	clientOpts     []option.ClientOption
}

// Option customises Resolver construction.
type Option func(*resolverConfig)

func WithLogger(logger *zap.Logger) Option {
	return func(cfg *resolverConfig) { cfg.logger = logger }
}

// WithEnvironment selects the entry of the project map and environment scoped version pins.
func WithEnvironment(env string) Option {
	return func(cfg *resolverConfig) { cfg.env = strings.ToLower(strings.TrimSpace(env)) }
}

func WithDefaultProject(projectID string) Option {
	return func(cfg *resolverConfig) { cfg.defaultProject = strings.TrimSpace(projectID) }
}

// WithProjectMap maps environment names to Secret Manager projects.
func WithProjectMap(projects map[string]string) Option {
	return func(cfg *resolverConfig) {
		for env, project := range projects {
			cfg.projects[strings.ToLower(strings.TrimSpace(env))] = strings.TrimSpace(project)
		}
	}
}

// WithVersionPins pins canonical references, optionally prefixed with "env:", to a version.
func WithVersionPins(pins map[string]string) Option {
	return func(cfg *resolverConfig) {
		for ref, version := range pins {
			cfg.pins[ref] = strings.TrimSpace(version)
		}
	}
}

func WithFallbackFile(path string) Option {
	return func(cfg *resolverConfig) { cfg.fallbackPath = strings.TrimSpace(path) }
}

func WithMeter(meter metric.Meter) Option {
	return func(cfg *resolverConfig) { cfg.meter = meter }
}

// WithSecretManagerClient replaces the client built from Application Default Credentials.
func WithSecretManagerClient(client SecretManagerClient) Option {
	return func(cfg *resolverConfig) { cfg.client = client }
}

func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *resolverConfig) { cfg.clientOpts = append(cfg.clientOpts, opts...) }
}

// NewResolver never fails on missing credentials; it logs and serves the fallback file only.
func NewResolver(ctx context.Context, opts ...Option) (*Resolver, error) {
	cfg := resolverConfig{
		logger:       zap.NewNop(),
		env:          defaultEnvironment,
		fallbackPath: defaultFallbackPath,
		projects:     map[string]string{},
		pins:         map[string]string{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	meter := cfg.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterScope)
	}
	latency, err := meter.Float64Histogram("secrets.resolve.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Secret resolution latency by source"),
	)
	if err != nil {
		return nil, fmt.Errorf("secrets: latency histogram: %w", err)
	}
	rotations, err := meter.Int64Counter("secrets.rotations",
		metric.WithDescription("Secrets whose value changed on refresh"),
	)
	if err != nil {
		return nil, fmt.Errorf("secrets: rotation counter: %w", err)
	}

	r := &Resolver{
		client:         cfg.client,
		logger:         cfg.logger,
		env:            cfg.env,
		defaultProject: cfg.defaultProject,
		projects:       cfg.projects,
		pins:           cfg.pins,
		fallbackPath:   cfg.fallbackPath,
		cache:          make(map[string]cachedSecret),
		latency:        latency,
		rotations:      rotations,
	}
	if r.client == nil {
		client, err := newSecretManagerClient(ctx, cfg.clientOpts...)
		if err != nil {
			cfg.logger.Warn("secret manager unavailable, serving fallback file only", zap.Error(err))
		} else {
			r.client = client
			r.ownsClient = true
		}
	}
	return r, nil
}

// Close releases the Secret Manager client if the resolver created it.
func (r *Resolver) Close() error {
	if r.ownsClient && r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Resolve returns the cached value or reads it once.
func (r *Resolver) Resolve(ctx context.Context, raw string) (string, error) {
	ref, err := ParseReference(raw)
	if err != nil {
		return "", err
	}
	key := r.cacheKey(ref)
	r.mu.RLock()
	cached, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		r.observe(ctx, sourceCache, 0)
		return cached.value, nil
	}
	value, _, err := r.load(ctx, ref, key)
	return value, err
}

// Refresh reads the secret again, bypassing the cache, and reports whether the value differs
// from the one served before. A reference that was never resolved counts as unchanged.
func (r *Resolver) Refresh(ctx context.Context, raw string) (string, bool, error) {
	ref, err := ParseReference(raw)
	if err != nil {
		return "", false, err
	}
	return r.load(ctx, ref, r.cacheKey(ref))
}

func (r *Resolver) load(ctx context.Context, ref Reference, key string) (string, bool, error) {
	started := time.Now()
	value, source, err := r.read(ctx, ref)
	if err != nil {
		r.observe(ctx, "error", time.Since(started))
		return "", false, err
	}
	r.observe(ctx, source, time.Since(started))

	entry := cachedSecret{
		value:     value,
		digest:    sha256.Sum256([]byte(value)),
		source:    source,
		fetchedAt: started.UTC(),
	}
	r.mu.Lock()
	previous, seen := r.cache[key]
	r.cache[key] = entry
	r.mu.Unlock()

	rotated := seen && previous.digest != entry.digest
	if rotated {
		r.rotations.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
		r.logger.Info("secret rotated",
			zap.String("secret", ref.Canonical),
			zap.String("source", source),
			zap.Time("previousFetch", previous.fetchedAt),
		)
	}
	return value, rotated, nil
}

func (r *Resolver) read(ctx context.Context, ref Reference) (string, string, error) {
	project := r.project(ref)
	if project != "" && r.client != nil {
		resource := ref.resource(project, r.version(ref))
		resp, err := r.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
		if err == nil {
			if resp.GetPayload() == nil {
				return "", "", fmt.Errorf("secrets: %s returned no payload", resource)
			}
			return string(resp.GetPayload().GetData()), sourceRemote, nil
		}
		if !unreachable(err) {
			return "", "", fmt.Errorf("secrets: read %s: %w", ref.Canonical, err)
		}
		r.logger.Debug("secret manager unreachable, using fallback file",
			zap.String("secret", ref.Canonical),
			zap.Error(err),
		)
	}
	if value, ok := r.fallbackValue(ref); ok {
		return value, sourceFallback, nil
	}
	return "", "", fmt.Errorf("secrets: %s has no fallback value", ref.Canonical)
}

func (r *Resolver) project(ref Reference) string {
	if ref.Project != "" {
		return ref.Project
	}
	if project := r.projects[r.env]; project != "" {
		return project
	}
	return r.defaultProject
}

func (r *Resolver) version(ref Reference) string {
	if ref.Version != "" {
		return ref.Version
	}
	if pin := r.pins[r.env+":"+ref.Canonical]; pin != "" {
		return pin
	}
	if pin := r.pins[ref.Canonical]; pin != "" {
		return pin
	}
	return latestVersion
}

func (r *Resolver) cacheKey(ref Reference) string {
	return ref.Canonical + "@" + r.version(ref)
}

func (r *Resolver) fallbackValue(ref Reference) (string, bool) {
	r.fallbackOnce.Do(func() {
		r.fallback = map[string]string{}
		if r.fallbackPath == "" {
			return
		}
		values, err := godotenv.Read(r.fallbackPath)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				r.logger.Warn("secret fallback file unreadable", zap.String("path", r.fallbackPath), zap.Error(err))
			}
			return
		}
		r.fallback = values
	})
	value, ok := r.fallback[fallbackKey(ref.Name)]
	return value, ok
}

func (r *Resolver) observe(ctx context.Context, source string, elapsed time.Duration) {
	r.latency.Record(ctx, float64(elapsed)/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("source", source)))
}

// unreachable lists the codes that mean the API could not answer, as opposed to a missing secret.
func unreachable(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}
