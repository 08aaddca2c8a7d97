// Package requestctx carries the per-request logger and trace ids from the HTTP middleware
// down to handlers and the service loggers.
package requestctx

import (
	"context"

	"go.uber.org/zap"
)

type scopeKey struct{}

// TraceInfo identifies the Cloud Trace span serving the request.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// scope is copied on every change so a context never observes a later mutation.
type scope struct {
	logger   *zap.Logger
	trace    TraceInfo
	hasTrace bool
}

var nop = zap.NewNop()

func current(ctx context.Context) scope {
	if ctx == nil {
		return scope{}
	}
	if s, ok := ctx.Value(scopeKey{}).(*scope); ok {
		return *s
	}
	return scope{}
}

func with(ctx context.Context, s scope) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, scopeKey{}, &s)
}

func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	s := current(ctx)
	s.logger = logger
	return with(ctx, s)
}

// Logger never returns nil.
func Logger(ctx context.Context) *zap.Logger {
	if logger := current(ctx).logger; logger != nil {
		return logger
	}
	return nop
}

// HasLogger reports whether a middleware stored a logger on ctx.
func HasLogger(ctx context.Context) bool {
	return current(ctx).logger != nil
}

func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	s := current(ctx)
	s.trace = info
	s.hasTrace = true
	return with(ctx, s)
}

func Trace(ctx context.Context) (TraceInfo, bool) {
	s := current(ctx)
	return s.trace, s.hasTrace
}

func TraceID(ctx context.Context) string {
	return current(ctx).trace.TraceID
}
