package observability

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/platform/requestctx"
)

const cloudTraceHeader = "X-Cloud-Trace-Context"

var tracer = otel.Tracer("github.com/Lyrion1/lyrion-co-uk-sub000/internal/platform/observability")

// Propagator reads and writes both the Google front end header and W3C traceparent. When a
// request carries both, traceparent wins.
var Propagator propagation.TextMapPropagator = propagation.NewCompositeTextMapPropagator(
	cloudTraceContext{},
	propagation.TraceContext{},
)

// TraceMiddleware continues the caller's trace, starts a server span, and echoes the trace
// headers on the response. Stripe deliveries carry no trace headers and start a new trace.
func TraceMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := Propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(serverSpanAttributes(r)...),
			)
			defer span.End()

			sc := span.SpanContext()
			ctx = requestctx.WithTrace(ctx, requestctx.TraceInfo{
				TraceID:   sc.TraceID().String(),
				SpanID:    sc.SpanID().String(),
				Sampled:   sc.IsSampled(),
				ProjectID: projectID,
			})
			Propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// eventSpanAttributes describes the payment event a request handled.
func eventSpanAttributes(info requestctx.EventInfo) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if info.EventID != "" {
		attrs = append(attrs, attribute.String("stripe.event.id", SanitizeIdentifier(info.EventID)))
	}
	if info.EventType != "" {
		attrs = append(attrs, attribute.String("fulfillment.trigger", SanitizeIdentifier(info.EventType)))
	}
	if info.SessionID != "" {
		attrs = append(attrs, attribute.String("checkout.session.id", SanitizeIdentifier(info.SessionID)))
	}
	return attrs
}

func serverSpanAttributes(r *http.Request) []attribute.KeyValue {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	attrs := []attribute.KeyValue{
		semconv.HTTPRequestMethodKey.String(SanitizeMethod(r.Method)),
		semconv.URLScheme(scheme),
		semconv.URLPath(SanitizeRoute(r.URL.Path)),
	}
	if r.Host != "" {
		attrs = append(attrs, semconv.ServerAddress(r.Host))
	}
	if ua := r.UserAgent(); ua != "" {
		attrs = append(attrs, semconv.UserAgentOriginal(ua))
	}
	return attrs
}

// cloudTraceContext implements the X-Cloud-Trace-Context format TRACE_ID/SPAN_ID;o=FLAG with a
// hex trace id and a decimal span id.
type cloudTraceContext struct{}

func (cloudTraceContext) Fields() []string { return []string{cloudTraceHeader} }

func (cloudTraceContext) Inject(ctx context.Context, carrier propagation.TextMapCarrier) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return
	}
	spanID := sc.SpanID()
	flag := 0
	if sc.IsSampled() {
		flag = 1
	}
	carrier.Set(cloudTraceHeader, fmt.Sprintf("%s/%d;o=%d", sc.TraceID(), binary.BigEndian.Uint64(spanID[:]), flag))
}

func (cloudTraceContext) Extract(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	sc, ok := parseCloudTrace(carrier.Get(cloudTraceHeader))
	if !ok {
		return ctx
	}
	return trace.ContextWithRemoteSpanContext(ctx, sc)
}

func parseCloudTrace(header string) (trace.SpanContext, bool) {
	traceHex, rest, ok := strings.Cut(strings.TrimSpace(header), "/")
	if !ok {
		return trace.SpanContext{}, false
	}
	traceID, err := trace.TraceIDFromHex(traceHex)
	if err != nil {
		return trace.SpanContext{}, false
	}
	spanPart, options, _ := strings.Cut(rest, ";")
	raw, err := strconv.ParseUint(strings.TrimSpace(spanPart), 10, 64)
	if err != nil || raw == 0 {
		return trace.SpanContext{}, false
	}
	var spanID trace.SpanID
	binary.BigEndian.PutUint64(spanID[:], raw)

	var flags trace.TraceFlags
	if strings.TrimSpace(options) == "o=1" {
		flags = trace.FlagsSampled
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
		Remote:     true,
	}), true
}
