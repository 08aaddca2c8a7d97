package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/orderengine/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

type routeGroup string

const (
	groupOrders   routeGroup = "orders"
	groupVouchers routeGroup = "vouchers"
	groupWebhooks routeGroup = "webhooks"
	groupInternal routeGroup = "internal"
)

type mountPoint struct {
	registrar   RouteRegistrar
	middlewares []func(http.Handler) http.Handler
}

type routerConfig struct {
	basePath    string
	timeout     time.Duration
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers
	groups      map[routeGroup]*mountPoint
}

func (cfg *routerConfig) group(name routeGroup) *mountPoint {
	if cfg.groups == nil {
		cfg.groups = make(map[routeGroup]*mountPoint)
	}
	mp, ok := cfg.groups[name]
	if !ok {
		mp = &mountPoint{}
		cfg.groups[name] = mp
	}
	return mp
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

const (
	defaultAPIPrefix = "/api/v1"
	defaultTimeout   = 25 * time.Second
)

// NewRouter builds the order engine router: health checks at the root and the order, voucher,
// webhook and internal groups under /api/v1. A group without a registrar answers 503.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{basePath: defaultAPIPrefix, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP)
	if cfg.timeout > 0 {
		r.Use(middleware.Timeout(cfg.timeout))
	}
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(cfg.basePath, func(api chi.Router) {
		for _, path := range []string{"/orders", "/webhooks", "/internal"} {
			name := routeGroup(path[1:])
			mp := cfg.group(name)
			api.Route(path, func(group chi.Router) {
				for _, mw := range mp.middlewares {
					if mw != nil {
						group.Use(mw)
					}
				}
				if mp.registrar == nil {
					unmounted(group, name)
					return
				}
				mp.registrar(group)
			})
		}

		// The voucher preview lives on the API root, so its registrar receives the root router.
		if vouchers := cfg.group(groupVouchers); vouchers.registrar != nil {
			vouchers.registrar(api)
		} else {
			api.HandleFunc("/vouchers:preview", unavailableHandler(groupVouchers))
		}
	})

	return r
}

// WithMiddlewares appends global middleware after request id, real ip and the timeout.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithRequestTimeout bounds handler run time. Zero disables the timeout middleware.
func WithRequestTimeout(d time.Duration) Option {
	return func(cfg *routerConfig) {
		if d >= 0 {
			cfg.timeout = d
		}
	}
}

func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

func WithOrderRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.group(groupOrders).registrar = reg
	}
}

func WithVoucherRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.group(groupVouchers).registrar = reg
	}
}

func WithWebhookRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.group(groupWebhooks).registrar = reg
	}
}

// WithWebhookMiddlewares configures middlewares applied to the /webhooks group.
func WithWebhookMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		g := cfg.group(groupWebhooks)
		g.middlewares = append(g.middlewares, mw...)
	}
}

// WithInternalRoutes configures the stock ledger routes for operators.
func WithInternalRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.group(groupInternal).registrar = reg
	}
}

// WithInternalMiddlewares configures middlewares applied to the /internal group.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		g := cfg.group(groupInternal)
		g.middlewares = append(g.middlewares, mw...)
	}
}

func unmounted(r chi.Router, name routeGroup) {
	handler := unavailableHandler(name)
	r.HandleFunc("/*", handler)
	r.HandleFunc("/", handler)
	r.NotFound(handler)
	r.MethodNotAllowed(handler)
}

func unavailableHandler(name routeGroup) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_unavailable", fmt.Sprintf("%s routes are not configured", name), http.StatusServiceUnavailable))
	}
}
