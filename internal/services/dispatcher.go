package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/domain"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/fulfillment"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/ledger"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/notify"
)

const (
	instrumentationName        = "github.com/Lyrion1/lyrion-co-uk-sub000/internal/services"
	defaultDispatchLimit       = 8
	defaultProviderCallTimeout = 20 * time.Second
	defaultSettleTimeout       = 15 * time.Second
	donationReference          = "donation"
)

// ErrNoAdapter is wrapped when no adapter is registered for the routed provider.
var ErrNoAdapter = errors.New("fulfillment: no adapter registered for provider")

type adapterLookup interface {
	Lookup(provider domain.ProviderID) (fulfillment.Adapter, bool)
}

// DispatcherDeps wires the collaborators of the fulfillment dispatcher.
type DispatcherDeps struct {
	Adapters      adapterLookup
	Notifier      fulfillment.Notifier
	Ledger        ledger.Store
	Publisher     OutcomePublisher
	Concurrency   int
	CallTimeout   time.Duration
	// SettleTimeout bounds the ledger write, outcome event and notice for an item. They run
	// detached from the request so a cancelled delivery still records them.
	SettleTimeout time.Duration
	Meter         metric.Meter
	Tracer        trace.Tracer
	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

// Dispatcher fans a session's items out to their provider adapters. Items are independent:
// a failure is recorded and notified and never cancels or rolls back a sibling.
type Dispatcher struct {
	adapters    adapterLookup
	notifier    fulfillment.Notifier
	ledger      ledger.Store
	publisher   OutcomePublisher
	limit       int
	callTimeout time.Duration
	settle      time.Duration
	tracer      trace.Tracer
	dispatched  metric.Int64Counter
	latency     metric.Float64Histogram
	now         func() time.Time
	logger      func(ctx context.Context, event string, fields map[string]any)
}

// NewDispatcher validates dependencies and registers dispatch instruments.
func NewDispatcher(deps DispatcherDeps) (*Dispatcher, error) {
	if deps.Adapters == nil {
		return nil, errors.New("dispatcher: adapter registry is required")
	}
	if deps.Notifier == nil {
		return nil, errors.New("dispatcher: notifier is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("dispatcher: ledger is required")
	}

	limit := deps.Concurrency
	if limit <= 0 {
		limit = defaultDispatchLimit
	}
	timeout := deps.CallTimeout
	if timeout <= 0 {
		timeout = defaultProviderCallTimeout
	}
	settle := deps.SettleTimeout
	if settle <= 0 {
		settle = defaultSettleTimeout
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	dispatched, err := meter.Int64Counter(
		"fulfillment.dispatch.count",
		metric.WithDescription("Fulfillment dispatch attempts by provider and result"),
	)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: create counter: %w", err)
	}
	latency, err := meter.Float64Histogram(
		"fulfillment.dispatch.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds of provider adapter calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: create histogram: %w", err)
	}

	return &Dispatcher{
		adapters:    deps.Adapters,
		notifier:    deps.Notifier,
		ledger:      deps.Ledger,
		publisher:   deps.Publisher,
		limit:       limit,
		callTimeout: timeout,
		settle:      settle,
		tracer:      tracer,
		dispatched:  dispatched,
		latency:     latency,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Dispatch runs every item concurrently and returns once all have finished. Faults are
// recorded and notified without any adapter call. Outcomes keep input order, faults last.
func (d *Dispatcher) Dispatch(ctx context.Context, runID string, items []domain.NormalizedOrderItem, faults []ItemFault) []domain.FulfillmentOutcome {
	outcomes := make([]domain.FulfillmentOutcome, len(items)+len(faults))

	var group errgroup.Group
	group.SetLimit(d.limit)
	for i, item := range items {
		group.Go(func() error {
			outcomes[i] = d.dispatchItem(ctx, runID, item)
			return nil
		})
	}
	_ = group.Wait()

	for i, fault := range faults {
		outcomes[len(items)+i] = d.recordFault(ctx, runID, fault)
	}
	return outcomes
}

func (d *Dispatcher) dispatchItem(ctx context.Context, runID string, item domain.NormalizedOrderItem) domain.FulfillmentOutcome {
	provider := routeProvider(item)
	ctx, span := d.tracer.Start(ctx, "fulfillment.dispatch", trace.WithAttributes(
		attribute.String("fulfillment.provider", string(provider)),
		attribute.String("fulfillment.sku", item.SKU),
		attribute.String("fulfillment.classification", string(item.Classification)),
	))
	defer span.End()

	outcome := domain.FulfillmentOutcome{
		ItemKey:  item.Key(),
		SKU:      item.SKU,
		Provider: provider,
	}

	if item.Classification == domain.ClassDonation {
		outcome.Status = domain.OutcomeSucceeded
		outcome.ProviderOrderID = donationReference
		outcome.CompletedAt = d.now()
		d.finish(ctx, runID, item, outcome, 0)
		return outcome
	}

	adapter, ok := d.adapters.Lookup(provider)
	if !ok {
		err := &ProviderAdapterError{Provider: provider, SKU: item.SKU, Err: fmt.Errorf("%w: %q", ErrNoAdapter, provider)}
		return d.fail(ctx, runID, item, outcome, err, 0, span)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	start := time.Now()
	result, err := adapter.Fulfill(callCtx, item)
	elapsed := time.Since(start)
	cancel()

	if err != nil {
		return d.fail(ctx, runID, item, outcome, &ProviderAdapterError{Provider: provider, SKU: item.SKU, Err: err}, elapsed, span)
	}

	outcome.Status = domain.OutcomeSucceeded
	outcome.ProviderOrderID = result.ProviderOrderID
	outcome.Detail = result.Detail
	outcome.CompletedAt = d.now()
	d.finish(ctx, runID, item, outcome, elapsed)
	return outcome
}

func (d *Dispatcher) fail(ctx context.Context, runID string, item domain.NormalizedOrderItem, outcome domain.FulfillmentOutcome, err error, elapsed time.Duration, span trace.Span) domain.FulfillmentOutcome {
	span.RecordError(err)
	span.SetStatus(codes.Error, "dispatch failed")

	outcome.Status = domain.OutcomeFailed
	outcome.Detail = err.Error()
	outcome.CompletedAt = d.now()
	d.finish(ctx, runID, item, outcome, elapsed)

	detail := failureDetail(item, outcome)
	var providerErr *fulfillment.ProviderError
	if errors.As(err, &providerErr) {
		if providerErr.Status > 0 {
			detail["provider_status"] = strconv.Itoa(providerErr.Status)
		}
		if providerErr.Body != "" {
			detail["provider_response"] = providerErr.Body
		}
	}
	noticeCtx, cancel := d.settleContext(ctx)
	defer cancel()
	d.notifier.Notify(noticeCtx, notify.Notice{
		Audience:  notify.AudienceOps,
		Subject:   fmt.Sprintf("Fulfillment failed: %s via %s", item.SKU, outcome.Provider),
		Kind:      notify.KindFulfillmentFailure,
		SessionID: item.SessionID,
		Detail:    detail,
		Amounts:   notify.ItemAmounts(item.UnitAmount, item.Quantity, item.Currency),
	})
	return outcome
}

func (d *Dispatcher) recordFault(ctx context.Context, runID string, fault ItemFault) domain.FulfillmentOutcome {
	item := fault.Item
	outcome := domain.FulfillmentOutcome{
		ItemKey:     item.Key(),
		SKU:         item.SKU,
		Provider:    item.Entry.Provider,
		Status:      domain.OutcomeFailed,
		Detail:      fault.Err.Error(),
		CompletedAt: d.now(),
	}
	d.finish(ctx, runID, item, outcome, 0)

	kind := notify.KindUnroutable
	subject := "Unroutable item: " + item.SKU
	var nesting *BundleNestingError
	if errors.As(fault.Err, &nesting) {
		kind = notify.KindBundleNesting
		subject = "Nested bundle skipped: " + nesting.Bundle
	}
	noticeCtx, cancel := d.settleContext(ctx)
	defer cancel()
	d.notifier.Notify(noticeCtx, notify.Notice{
		Audience:  notify.AudienceOps,
		Subject:   subject,
		Kind:      kind,
		SessionID: item.SessionID,
		Detail:    failureDetail(item, outcome),
		Amounts:   notify.ItemAmounts(item.UnitAmount, item.Quantity, item.Currency),
	})
	return outcome
}

// finish records the outcome in the ledger, emits metrics, and publishes it.
func (d *Dispatcher) finish(ctx context.Context, runID string, item domain.NormalizedOrderItem, outcome domain.FulfillmentOutcome, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("provider", string(outcome.Provider)),
		attribute.String("result", string(outcome.Status)),
	)
	d.dispatched.Add(ctx, 1, attrs)
	if elapsed > 0 {
		d.latency.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
	}

	fields := map[string]any{
		"runId":          runID,
		"sessionId":      item.SessionID,
		"itemKey":        outcome.ItemKey,
		"provider":       string(outcome.Provider),
		"classification": string(item.Classification),
		"status":         string(outcome.Status),
		"providerRef":    outcome.ProviderOrderID,
		"durationMs":     elapsed.Milliseconds(),
	}
	if outcome.Status == domain.OutcomeFailed {
		fields["detail"] = outcome.Detail
	}
	d.logger(ctx, "fulfillment.item.dispatched", fields)

	settleCtx, cancel := d.settleContext(ctx)
	defer cancel()

	if err := d.ledger.RecordOutcome(settleCtx, item.SessionID, outcome, d.now()); err != nil {
		d.logger(ctx, "fulfillment.ledger.record_failed", map[string]any{
			"sessionId": item.SessionID,
			"itemKey":   outcome.ItemKey,
			"error":     err.Error(),
		})
	}

	if d.publisher == nil {
		return
	}
	if _, err := d.publisher.PublishOutcome(settleCtx, OutcomeEvent{
		RunID:          runID,
		SessionID:      item.SessionID,
		ItemKey:        outcome.ItemKey,
		SKU:            outcome.SKU,
		Provider:       string(outcome.Provider),
		Classification: string(item.Classification),
		Status:         string(outcome.Status),
		ProviderRef:    outcome.ProviderOrderID,
		Detail:         outcome.Detail,
		IdempotencyKey: item.IdempotencyKey(),
		CompletedAt:    outcome.CompletedAt,
	}); err != nil {
		d.logger(ctx, "fulfillment.outcome.publish_failed", map[string]any{
			"sessionId": item.SessionID,
			"itemKey":   outcome.ItemKey,
			"error":     err.Error(),
		})
	}
}

// settleContext keeps ctx values but drops its cancellation, bounded by the settle timeout.
func (d *Dispatcher) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d.settle)
}

// routeProvider maps an item to the adapter that fulfills it. Digital items always go to the
// digital adapter whatever the catalog provider says.
func routeProvider(item domain.NormalizedOrderItem) domain.ProviderID {
	if item.Classification == domain.ClassDigital {
		return domain.ProviderDigital
	}
	return item.Entry.Provider
}

func failureDetail(item domain.NormalizedOrderItem, outcome domain.FulfillmentOutcome) map[string]string {
	detail := map[string]string{
		"sku":             item.SKU,
		"item_key":        outcome.ItemKey,
		"idempotency_key": item.IdempotencyKey(),
		"classification":  string(item.Classification),
		"provider":        string(outcome.Provider),
		"quantity":        strconv.FormatInt(item.Quantity, 10),
		"error":           outcome.Detail,
		"customer_name":   item.Customer.Name,
		"customer_email":  item.Customer.Email,
		"bundle":          item.BundleParent,
	}
	for key, value := range detail {
		if value == "" {
			delete(detail, key)
		}
	}
	return detail
}
