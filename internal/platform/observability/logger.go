package observability

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/platform/requestctx"
)

const defaultLogLevel = "info"

// NewLogger constructs a production-ready zap logger emitting structured JSON.
func NewLogger() (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))))); err != nil {
		// Fallback to default level when env var is unset or invalid.
		_ = level.UnmarshalText([]byte(defaultLogLevel))
	}

	encoderCfg := zapcore.EncoderConfig{
		MessageKey: "message",
		TimeKey:    "timestamp",
		LevelKey:   "severity",
		EncodeTime: zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(strings.ToUpper(level.String()))
		},
		CallerKey:     "caller",
		StacktraceKey: "stacktrace",
	}

	cfg := zap.Config{
		Level:             level,
		Encoding:          "json",
		EncoderConfig:     encoderCfg,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     false,
		DisableStacktrace: true,
	}

	return cfg.Build()
}

// WithLogger injects the logger into the provided context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

// FromContext retrieves the logger from context, defaulting to a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	return requestctx.Logger(ctx)
}

// EventLogger adapts zap to the event-style logger callback used by the services.
// Fields whose key is "error" are promoted to warn level.
func EventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		base := logger
		if scoped := requestctx.Logger(ctx); scoped != requestctx.NoopLogger() {
			base = scoped
		}
		zfields := make([]zap.Field, 0, len(fields)+1)
		level := zapcore.InfoLevel
		for key, value := range fields {
			if key == "error" {
				level = zapcore.WarnLevel
			}
			zfields = append(zfields, zap.Any(key, value))
		}
		if info, ok := requestctx.Event(ctx); ok && info.EventID != "" {
			zfields = append(zfields, zap.String("stripe_event_id", SanitizeIdentifier(info.EventID)))
		}
		if ce := base.Check(level, event); ce != nil {
			ce.Write(zfields...)
		}
	}
}

// eventFields renders the event identifiers recorded for a request.
func eventFields(info requestctx.EventInfo) []zap.Field {
	fields := make([]zap.Field, 0, 3)
	if info.EventID != "" {
		fields = append(fields, zap.String("stripe_event_id", SanitizeIdentifier(info.EventID)))
	}
	if info.EventType != "" {
		fields = append(fields, zap.String("event_type", SanitizeIdentifier(info.EventType)))
	}
	if info.SessionID != "" {
		fields = append(fields, zap.String("session_id", SanitizeIdentifier(info.SessionID)))
	}
	return fields
}
