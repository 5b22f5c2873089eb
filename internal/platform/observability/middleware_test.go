package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/platform/requestctx"
)

func newObservedRouter(t *testing.T, handler http.HandlerFunc) (http.Handler, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	r := chi.NewRouter()
	r.Use(
		InjectLoggerMiddleware(logger),
		TraceMiddleware("shop-prod"),
		RecoveryMiddleware(logger),
		RequestLoggerMiddleware("shop-prod"),
	)
	r.Post("/api/v1/webhooks/stripe", handler)
	return r, logs
}

func TestRequestLoggerRecordsEventIdentifiers(t *testing.T) {
	router, logs := newObservedRouter(t, func(w http.ResponseWriter, r *http.Request) {
		ctx := requestctx.WithEvent(r.Context(), requestctx.EventInfo{
			EventID:   "evt_1PZ\n",
			EventType: "checkout.session.completed",
			SessionID: "cs_test_42",
		})
		requestctx.Logger(ctx).Info("handled")
		w.WriteHeader(http.StatusAccepted)
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", nil))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one completion entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	want := map[string]any{
		"stripe_event_id": "evt_1PZ",
		"event_type":      "checkout.session.completed",
		"session_id":      "cs_test_42",
		"route":           "/api/v1/webhooks/stripe",
		"status":          int64(http.StatusAccepted),
		"method":          "POST",
	}
	for key, value := range want {
		if fields[key] != value {
			t.Fatalf("%s = %v, want %v", key, fields[key], value)
		}
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected info level, got %s", entries[0].Level)
	}
}

func TestRecoveryLogsEventAndReturnsEnvelope(t *testing.T) {
	router, logs := newObservedRouter(t, func(w http.ResponseWriter, r *http.Request) {
		requestctx.WithEvent(r.Context(), requestctx.EventInfo{EventID: "evt_boom", SessionID: "cs_boom"})
		panic("adapter registry corrupted")
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	panics := logs.FilterMessage("panic recovered").All()
	if len(panics) != 1 {
		t.Fatalf("expected one panic entry, got %d", len(panics))
	}
	if got := panics[0].ContextMap()["session_id"]; got != "cs_boom" {
		t.Fatalf("expected session id on panic entry, got %v", got)
	}
	completed := logs.FilterMessage("request completed").All()
	if len(completed) != 1 || completed[0].Level != zapcore.ErrorLevel {
		t.Fatalf("expected one error-level completion entry, got %+v", completed)
	}
}

func TestTraceMiddlewareContinuesCloudTrace(t *testing.T) {
	var seen trace.SpanContext
	handler := TraceMiddleware("shop-prod")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = trace.SpanContextFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", nil)
	req.Header.Set(cloudTraceHeader, "105445aa7843bc8bf206b12000100000/1;o=1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if got := seen.TraceID().String(); got != "105445aa7843bc8bf206b12000100000" {
		t.Fatalf("expected caller trace id, got %s", got)
	}
	if rr.Header().Get(cloudTraceHeader) == "" {
		t.Fatalf("expected trace header echoed on the response")
	}
}

func TestCloudTracePropagatorRoundTrip(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	carrier := propagation.MapCarrier{}
	cloudTraceContext{}.Inject(ctx, carrier)
	if got := carrier.Get(cloudTraceHeader); got != "4bf92f3577b34da6a3ce929d0e0e4736/67667974448284343;o=1" {
		t.Fatalf("unexpected header %q", got)
	}

	extracted := trace.SpanContextFromContext(cloudTraceContext{}.Extract(context.Background(), carrier))
	if extracted.TraceID() != traceID || extracted.SpanID() != spanID || !extracted.IsSampled() || !extracted.IsRemote() {
		t.Fatalf("round trip lost data: %+v", extracted)
	}
}

func TestParseCloudTraceRejectsMalformedHeaders(t *testing.T) {
	for _, header := range []string{
		"",
		"no-slash",
		"xyz/1;o=1",
		"105445aa7843bc8bf206b12000100000/0;o=1",
		"105445aa7843bc8bf206b12000100000/abc",
	} {
		if _, ok := parseCloudTrace(header); ok {
			t.Fatalf("expected %q to be rejected", header)
		}
	}
}

func TestSanitizeIdentifierDropsForeignCharacters(t *testing.T) {
	if got := SanitizeIdentifier("cs_test_a1<script>\r\n"); got != "cs_test_a1script" {
		t.Fatalf("unexpected %q", got)
	}
	if got := SanitizeMethod("po\x00st"); got != "POST" {
		t.Fatalf("unexpected %q", got)
	}
}
