package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/taskgate/internal/config"
	"github.com/pitabwire/taskgate/model"
)

type loggerKey struct{}

// Log levels in this service:
//   - error: engine or store failures, panics, 5xx responses
//   - warn:  denied decisions with a reason, degraded lookups, consistency warnings
//   - info:  request completion, claims, completions, projections, policy reloads
//   - debug: principal and resource attributes of each decision (redacted)

// NewLogger builds the process logger. Unknown levels fall back to info;
// the "console" format is meant for local runs.
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	enc := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	encoding := "json"
	if strings.EqualFold(cfg.LogFormat, "console") {
		encoding = "console"
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         encoding,
		EncoderConfig:    enc,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields: map[string]any{
			"service": "taskgate",
			"version": Version,
		},
	}
	return zapCfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the context logger, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	if fallback == nil {
		return zap.NewNop()
	}
	return fallback
}

// RequestLogger returns the context logger tagged with the caller, the
// business application and the correlation and trace ids of the request.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := make([]zap.Field, 0, 5)
	fields = append(fields,
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	)
	if rctx.BusinessApp != "" {
		fields = append(fields, zap.String("business_app", rctx.BusinessApp))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	if rctx.SpanID != "" {
		fields = append(fields, zap.String("span_id", rctx.SpanID))
	}
	return logger.With(fields...)
}

const redacted = "[REDACTED]"

// sensitiveKeys never appear in logs. Matching ignores case.
var sensitiveKeys = []string{
	"password", "secret", "token", "access_token", "refresh_token",
	"api_key", "authorization", "ssn", "national_id", "iban",
	"account_number", "card_number", "pin",
}

// RedactAttributes converts a policy attribute bag to plain values for debug
// logging, masking sensitive keys at any depth, inside lists too. extra adds
// keys to the built-in list.
func RedactAttributes(attrs model.Attributes, extra []string) map[string]any {
	if attrs == nil {
		return nil
	}
	keys := make(map[string]bool, len(sensitiveKeys)+len(extra))
	for _, k := range sensitiveKeys {
		keys[k] = true
	}
	for _, k := range extra {
		keys[strings.ToLower(k)] = true
	}
	return redactMap(attrs.Interface(), keys)
}

func redactMap(in map[string]any, keys map[string]bool) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if keys[strings.ToLower(k)] {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v, keys)
	}
	return out
}

func redactValue(v any, keys map[string]bool) any {
	switch val := v.(type) {
	case map[string]any:
		return redactMap(val, keys)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item, keys)
		}
		return out
	default:
		return v
	}
}
