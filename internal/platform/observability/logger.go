package observability

import (
	"context"
	"errors"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hanko-field/orderengine/internal/platform/requestctx"
)

const (
	defaultServiceName = "orderengine"
	logLevelEnv        = "ORDERS_LOG_LEVEL"
)

type loggerOptions struct {
	level   string
	service string
	version string
	sink    zapcore.WriteSyncer
}

// LoggerOption customises NewLogger.
type LoggerOption func(*loggerOptions)

// WithLevel overrides ORDERS_LOG_LEVEL.
func WithLevel(level string) LoggerOption {
	return func(o *loggerOptions) {
		o.level = level
	}
}

// WithService labels every entry for Error Reporting grouping.
func WithService(name, version string) LoggerOption {
	return func(o *loggerOptions) {
		if strings.TrimSpace(name) != "" {
			o.service = strings.TrimSpace(name)
		}
		o.version = strings.TrimSpace(version)
	}
}

// WithSink redirects output, mostly for tests.
func WithSink(sink zapcore.WriteSyncer) LoggerOption {
	return func(o *loggerOptions) {
		o.sink = sink
	}
}

// NewLogger builds the JSON logger Cloud Logging expects: severity, message, timestamp and a serviceContext.
func NewLogger(opts ...LoggerOption) (*zap.Logger, error) {
	options := loggerOptions{
		level:   os.Getenv(logLevelEnv),
		service: defaultServiceName,
		sink:    zapcore.Lock(os.Stdout),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	if options.sink == nil {
		return nil, errors.New("observability: log sink is required")
	}

	level := zapcore.InfoLevel
	if raw := strings.ToLower(strings.TrimSpace(options.level)); raw != "" {
		if err := level.UnmarshalText([]byte(raw)); err != nil {
			level = zapcore.InfoLevel
		}
	}

	encoder := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		MessageKey:     "message",
		TimeKey:        "timestamp",
		LevelKey:       "severity",
		CallerKey:      "caller",
		StacktraceKey:  "stack_trace",
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel:    severityEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	})
	core := zapcore.NewCore(encoder, options.sink, zap.NewAtomicLevelAt(level))

	return zap.New(core,
		zap.AddCaller(),
		zap.ErrorOutput(zapcore.Lock(os.Stderr)),
		zap.Fields(zap.Object("serviceContext", serviceContext{service: options.service, version: options.version})),
	), nil
}

// severityEncoder maps zap levels onto Cloud Logging severities.
func severityEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch level {
	case zapcore.DebugLevel:
		enc.AppendString("DEBUG")
	case zapcore.InfoLevel:
		enc.AppendString("INFO")
	case zapcore.WarnLevel:
		enc.AppendString("WARNING")
	case zapcore.ErrorLevel:
		enc.AppendString("ERROR")
	case zapcore.DPanicLevel, zapcore.PanicLevel:
		enc.AppendString("CRITICAL")
	case zapcore.FatalLevel:
		enc.AppendString("ALERT")
	default:
		enc.AppendString("DEFAULT")
	}
}

type serviceContext struct {
	service string
	version string
}

func (s serviceContext) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("service", s.service)
	if s.version != "" {
		enc.AddString("version", s.version)
	}
	return nil
}

// WithLogger injects the logger into the provided context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

// FromContext retrieves the logger from context, defaulting to a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	return requestctx.Logger(ctx)
}
