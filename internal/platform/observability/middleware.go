package observability

import (
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hanko-field/orderengine/internal/platform/auth"
	"github.com/hanko-field/orderengine/internal/platform/httpx"
	"github.com/hanko-field/orderengine/internal/platform/requestctx"
)

// routeKeys lists the path parameters worth lifting into log fields, keyed by chi parameter name.
var routeKeys = map[string]string{
	"orderId":   "order_id",
	"variantId": "variant_id",
	"provider":  "payment_provider",
}

const idempotencyHeader = "Idempotency-Key"

// InjectLoggerMiddleware stores the provided logger on the request context to make it accessible downstream.
func InjectLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(requestctx.WithLogger(r.Context(), logger)))
		})
	}
}

// RequestLoggerMiddleware writes one Cloud Logging httpRequest entry per request, tagged with the
// order, variant or payment provider the route addressed.
func RequestLoggerMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			info, _ := requestctx.Trace(ctx)

			fields := []zap.Field{zap.String("request_id", middleware.GetReqID(ctx))}
			if info.TraceID != "" {
				fields = append(fields, zap.String("trace_id", info.TraceID))
				if projectID != "" {
					fields = append(fields,
						zap.String("logging.googleapis.com/trace", fmt.Sprintf("projects/%s/traces/%s", projectID, info.TraceID)),
						zap.String("logging.googleapis.com/spanId", info.SpanID),
						zap.Bool("logging.googleapis.com/trace_sampled", info.Sampled),
					)
				}
			}
			if key := SanitizeID(r.Header.Get(idempotencyHeader)); key != "" {
				fields = append(fields, zap.String("idempotency_key", key))
			}
			logger := requestctx.Logger(ctx).With(fields...)
			ctx = requestctx.WithLogger(ctx, logger)

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			panicked := true
			defer func() {
				status := rec.status
				if panicked {
					status = http.StatusInternalServerError
				}
				route := SanitizeRoute(routePattern(r))

				span := trace.SpanFromContext(ctx)
				span.SetAttributes(semconv.HTTPRoute(route), semconv.HTTPResponseStatusCode(status), semconv.HTTPResponseBodySize(int(rec.bytes)))
				if status >= http.StatusInternalServerError {
					span.SetStatus(codes.Error, http.StatusText(status))
				}

				entry := append(routeFields(r, route),
					zap.Object("httpRequest", httpRequestEntry{
						method:    SanitizeMethod(r.Method),
						url:       clip(r.URL.RequestURI(), routeLimit),
						status:    status,
						size:      rec.bytes,
						latency:   time.Since(start),
						remoteIP:  remoteIP(r),
						userAgent: clip(r.UserAgent(), agentLimit),
					}),
				)
				if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil {
					entry = append(entry, zap.String("user_id", SanitizeID(identity.UID)))
				}

				switch {
				case status >= http.StatusInternalServerError:
					logger.Error("http request", entry...)
				case status >= http.StatusBadRequest:
					logger.Warn("http request", entry...)
				default:
					logger.Info("http request", entry...)
				}
			}()

			next.ServeHTTP(rec, r.WithContext(ctx))
			panicked = false
		})
	}
}

// RecoveryMiddleware turns a handler panic into a 500 envelope and logs the stack.
func RecoveryMiddleware(fallback *zap.Logger) func(http.Handler) http.Handler {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				ctx := r.Context()
				logger := fallback
				if requestctx.HasLogger(ctx) {
					logger = requestctx.Logger(ctx)
				}
				logger.Error("panic recovered",
					zap.String("panic", fmt.Sprint(rec)),
					zap.ByteString("stack_trace", debug.Stack()),
				)
				trace.SpanFromContext(ctx).SetStatus(codes.Error, "panic")
				httpx.WriteError(ctx, w, httpx.NewError("internal_server_error", "internal server error", http.StatusInternalServerError))
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// routeFields reads chi path parameters after routing has filled them in.
func routeFields(r *http.Request, route string) []zap.Field {
	fields := []zap.Field{zap.String("route", route)}
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return fields
	}
	for i, key := range rctx.URLParams.Keys {
		name, ok := routeKeys[key]
		if !ok || i >= len(rctx.URLParams.Values) {
			continue
		}
		if value := SanitizeID(rctx.URLParams.Values[i]); value != "" {
			fields = append(fields, zap.String(name, value))
		}
	}
	return fields
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return requestPath(r)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return clip(host, idLimit)
}

// httpRequestEntry follows the Cloud Logging HttpRequest shape.
type httpRequestEntry struct {
	method    string
	url       string
	status    int
	size      int64
	latency   time.Duration
	remoteIP  string
	userAgent string
}

func (e httpRequestEntry) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("requestMethod", e.method)
	enc.AddString("requestUrl", e.url)
	enc.AddInt("status", e.status)
	enc.AddString("responseSize", fmt.Sprint(e.size))
	enc.AddString("latency", fmt.Sprintf("%.6fs", e.latency.Seconds()))
	if e.remoteIP != "" {
		enc.AddString("remoteIp", e.remoteIP)
	}
	if e.userAgent != "" {
		enc.AddString("userAgent", e.userAgent)
	}
	return nil
}

type responseRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (r *responseRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}
