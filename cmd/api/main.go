package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/hanko-field/orderengine/internal/di"
	"github.com/hanko-field/orderengine/internal/handlers"
	"github.com/hanko-field/orderengine/internal/jobs"
	"github.com/hanko-field/orderengine/internal/platform/auth"
	"github.com/hanko-field/orderengine/internal/platform/cache"
	"github.com/hanko-field/orderengine/internal/platform/config"
	pfirestore "github.com/hanko-field/orderengine/internal/platform/firestore"
	"github.com/hanko-field/orderengine/internal/platform/idempotency"
	"github.com/hanko-field/orderengine/internal/platform/observability"
	pg "github.com/hanko-field/orderengine/internal/platform/postgres"
	"github.com/hanko-field/orderengine/internal/repositories"
	firestoreRepo "github.com/hanko-field/orderengine/internal/repositories/firestore"
	"github.com/hanko-field/orderengine/internal/repositories/postgres"
	"github.com/hanko-field/orderengine/internal/services"
)

const meterScope = "github.com/hanko-field/orderengine"

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger(observability.WithService("orderengine", os.Getenv("ORDERS_BUILD_VERSION")))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)
	meter := otel.GetMeterProvider().Meter(meterScope)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	secretResolver, err := newSecretResolver(ctx, logger, envValues, meter)
	if err != nil {
		logger.Fatal("failed to initialise secret resolver", zap.Error(err))
	}
	defer func() {
		if err := secretResolver.Close(); err != nil {
			logger.Warn("secret resolver close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(secretResolver.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	if cfg.Postgres.MigrateOnStart {
		applied, err := pg.MigrateUp(cfg.Postgres.DSN)
		if err != nil {
			logger.Fatal("failed to apply migrations", zap.Error(err))
		}
		if applied {
			logger.Info("database migrations applied")
		}
	}

	pool, err := pg.Connect(ctx, cfg.Postgres)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	store, err := postgres.NewStore(pool)
	if err != nil {
		logger.Fatal("failed to initialise postgres store", zap.Error(err))
	}

	checks := []repositories.DependencyCheck{{
		Name:     "postgres",
		Timeout:  2 * time.Second,
		Critical: true,
		Check:    pg.Ping(pool),
	}}
	var closers []func(context.Context) error

	var firestoreProvider *pfirestore.Provider
	var receipts repositories.WebhookReceiptRepository
	if strings.TrimSpace(cfg.Firestore.ProjectID) != "" {
		firestoreProvider = pfirestore.NewProvider(cfg.Firestore)
		closers = append(closers, firestoreProvider.Close)
		receiptRepo, err := firestoreRepo.NewWebhookReceiptRepository(firestoreProvider)
		if err != nil {
			logger.Fatal("failed to initialise webhook receipt repository", zap.Error(err))
		}
		receipts = receiptRepo
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check:   firestoreProvider.Ping,
		})
	}

	infra := di.Infrastructure{
		Meter:  meter,
		Logger: logger,
		Clock:  time.Now,
		Build:  buildInfo,
	}

	var idempotencyStore idempotency.Store
	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		redisClient, err := cache.NewRedisClient(cfg.Redis)
		if err != nil {
			logger.Fatal("failed to initialise redis client", zap.Error(err))
		}
		closers = append(closers, func(context.Context) error { return redisClient.Close() })
		statusCache, err := cache.NewStatusCache(redisClient, cfg.Redis.StatusTTL)
		if err != nil {
			logger.Fatal("failed to initialise payment status cache", zap.Error(err))
		}
		infra.StatusCache = statusCache
		idempotencyStore = idempotency.NewRedisStore(redisClient)
		checks = append(checks, repositories.DependencyCheck{
			Name:    "redis",
			Timeout: time.Second,
			Check:   cache.Ping(redisClient),
		})
	} else if firestoreProvider != nil {
		idempotencyStore = idempotency.NewFirestoreStore(firestoreProvider)
	} else {
		logger.Warn("idempotency records kept in memory; replays are not shared across instances")
		idempotencyStore = idempotency.NewMemoryStore()
	}

	publisher, closePublisher, err := newEventPublisher(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise order event publisher", zap.Error(err))
	}
	if publisher != nil {
		infra.Events = publisher
		closers = append(closers, closePublisher)
		logger.Info("order events enabled", zap.String("backend", cfg.Events.Backend), zap.String("topic", cfg.Events.Topic))
	}

	gateways, err := newGatewayManager(cfg, logger.Named("gateways"))
	if err != nil {
		logger.Fatal("failed to initialise payment gateways", zap.Error(err))
	}
	infra.Gateways = gateways
	checks = append(checks, repositories.DependencyCheck{
		Name:    "paymentRoutes",
		Timeout: 100 * time.Millisecond,
		Check:   gateways.CheckRoutes,
	})

	if check, ok := secretManagerCheck(secretResolver); ok {
		checks = append(checks, check)
	}
	health, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		logger.Fatal("failed to initialise health checks", zap.Error(err))
	}

	registry, err := di.NewRegistry(store, receipts, health, closers...)
	if err != nil {
		logger.Fatal("failed to initialise repository registry", zap.Error(err))
	}
	container, err := di.NewContainer(ctx, cfg, registry, infra)
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("repository close error", zap.Error(err))
		}
	}()
	svc := container.Services

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)

	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
	)

	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	var backgroundWG sync.WaitGroup

	if cfg.Idempotency.CleanupInterval > 0 {
		backgroundWG.Add(1)
		go func() {
			defer backgroundWG.Done()
			runIdempotencyCleanup(backgroundCtx, idempotencyStore, cfg.Idempotency, logger.Named("idempotency"))
		}()
	}

	sweeper, err := jobs.NewReconciliationSweeper(jobs.SweeperConfig{
		Orders:     registry.Orders(),
		Poller:     svc.Payments,
		Interval:   cfg.Reconciliation.SweepInterval,
		StaleAfter: cfg.Reconciliation.StaleAfter,
		BatchSize:  cfg.Reconciliation.BatchSize,
		Logger:     logger.Named("sweeper"),
	})
	if err != nil {
		logger.Fatal("failed to initialise reconciliation sweeper", zap.Error(err))
	}
	backgroundWG.Add(1)
	go func() {
		defer backgroundWG.Done()
		sweeper.Run(backgroundCtx)
	}()

	if credentials := gatewayCredentials(cfg, logger.Named("gateways")); len(credentials) > 0 && cfg.Security.SecretRotationInterval > 0 {
		rotator, err := jobs.NewCredentialRotator(jobs.CredentialRotatorConfig{
			Secrets:     secretResolver,
			Gateways:    gateways,
			Credentials: credentials,
			Interval:    cfg.Security.SecretRotationInterval,
			Logger:      logger.Named("rotator"),
		})
		if err != nil {
			logger.Fatal("failed to initialise credential rotator", zap.Error(err))
		}
		backgroundWG.Add(1)
		go func() {
			defer backgroundWG.Done()
			rotator.Run(backgroundCtx)
		}()
	}

	orderHandlers := handlers.NewOrderHandlers(authenticator, svc.Orders, svc.Payments,
		handlers.WithOrderIdempotency(idempotencyMiddleware),
	)
	voucherHandlers := handlers.NewVoucherHandlers(authenticator, svc.Vouchers)
	stockHandlers := handlers.NewStockHandlers(svc.Stock)
	webhookHandlers := handlers.NewPaymentWebhookHandlers(svc.Payments,
		handlers.WithWebhookRateLimit(float64(cfg.RateLimits.WebhookPerSecond), cfg.RateLimits.WebhookBurst),
	)

	healthOpts := []handlers.HealthOption{handlers.WithHealthBuildInfo(buildInfo)}
	if svc.System != nil {
		healthOpts = append(healthOpts, handlers.WithHealthSystemService(svc.System))
	}
	healthHandlers := handlers.NewHealthHandlers(healthOpts...)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}

	router := handlers.NewRouter(
		handlers.WithRequestTimeout(handlerTimeout(cfg.Server.WriteTimeout)),
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithVoucherRoutes(voucherHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithInternalMiddlewares(authenticator.RequireFirebaseAuth(auth.RoleOperator)),
		handlers.WithInternalRoutes(stockHandlers.Routes),
	)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("order engine listening",
			zap.String("version", buildInfo.Version),
			zap.Strings("gateways", cfg.PSP.EnabledGateways()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	backgroundCancel()
	backgroundWG.Wait()
}

func runIdempotencyCleanup(ctx context.Context, store idempotency.Store, cfg config.IdempotencyConfig, logger *zap.Logger) {
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := store.CleanupExpired(runCtx, time.Now().UTC(), cfg.CleanupBatchSize)
			cancel()
			if err != nil {
				logger.Error("idempotency cleanup error", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
			}
		}
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["ORDERS_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["ORDERS_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}
