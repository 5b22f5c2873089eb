package requestctx

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type contextKey string

const (
	loggerContextKey contextKey = "github.com/Lyrion1/lyrion-co-uk-sub000/internal/platform/requestctx/logger"
	traceContextKey  contextKey = "github.com/Lyrion1/lyrion-co-uk-sub000/internal/platform/requestctx/trace"
	eventContextKey  contextKey = "github.com/Lyrion1/lyrion-co-uk-sub000/internal/platform/requestctx/event"
	eventSlotKey     contextKey = "github.com/Lyrion1/lyrion-co-uk-sub000/internal/platform/requestctx/event-slot"
)

var noopLogger = zap.NewNop()

// TraceInfo captures trace metadata propagated through request context.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// WithLogger stores the logger in context for downstream consumers.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// Logger retrieves the zap logger from context or returns a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return noopLogger
	}
	if logger, ok := ctx.Value(loggerContextKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return noopLogger
}

// NoopLogger exposes the shared noop logger instance used across the package.
func NoopLogger() *zap.Logger { return noopLogger }

// WithTrace stores the trace metadata on the context for downstream usage.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, traceContextKey, info)
}

// Trace retrieves the trace metadata from context when available.
func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceContextKey).(TraceInfo)
	if !ok {
		return TraceInfo{}, false
	}
	return info, true
}

// TraceID extracts the trace identifier from context when present.
func TraceID(ctx context.Context) string {
	info, ok := Trace(ctx)
	if !ok {
		return ""
	}
	return info.TraceID
}

// EventInfo identifies the payment event and session a request is processing.
type EventInfo struct {
	EventID   string
	EventType string
	SessionID string
}

type eventSlot struct {
	mu   sync.Mutex
	info EventInfo
	set  bool
}

// WithEventSlot prepares ctx so that identifiers recorded further down the handler chain are
// visible to middleware holding ctx once the handler returns. An existing slot is kept.
func WithEventSlot(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Value(eventSlotKey).(*eventSlot); ok {
		return ctx
	}
	return context.WithValue(ctx, eventSlotKey, &eventSlot{})
}

// WithEvent stores the event identifiers for log correlation and fills the enclosing slot.
func WithEvent(ctx context.Context, info EventInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if slot, ok := ctx.Value(eventSlotKey).(*eventSlot); ok {
		slot.mu.Lock()
		slot.info, slot.set = info, true
		slot.mu.Unlock()
	}
	return context.WithValue(ctx, eventContextKey, info)
}

// Event returns the event identifiers stored on ctx or recorded into its slot.
func Event(ctx context.Context) (EventInfo, bool) {
	if ctx == nil {
		return EventInfo{}, false
	}
	if info, ok := ctx.Value(eventContextKey).(EventInfo); ok {
		return info, true
	}
	slot, ok := ctx.Value(eventSlotKey).(*eventSlot)
	if !ok {
		return EventInfo{}, false
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.info, slot.set
}
