package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/catalog"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/domain"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/fulfillment"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/ledger"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/notify"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/payments"
)

type stubAdapter struct {
	provider  domain.ProviderID
	fulfillFn func(item domain.NormalizedOrderItem) (fulfillment.Result, error)

	mu    sync.Mutex
	items []domain.NormalizedOrderItem
}

func (a *stubAdapter) Provider() domain.ProviderID { return a.provider }

func (a *stubAdapter) Fulfill(_ context.Context, item domain.NormalizedOrderItem) (fulfillment.Result, error) {
	a.mu.Lock()
	a.items = append(a.items, item)
	a.mu.Unlock()
	if a.fulfillFn != nil {
		return a.fulfillFn(item)
	}
	return fulfillment.Result{ProviderOrderID: string(a.provider) + "-" + item.Key()}, nil
}

func (a *stubAdapter) calls() []domain.NormalizedOrderItem {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.NormalizedOrderItem(nil), a.items...)
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notify.Notice
}

func (r *recordingNotifier) Notify(_ context.Context, notice notify.Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, notice)
}

func (r *recordingNotifier) all() []notify.Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notice(nil), r.notices...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []OutcomeEvent
}

func (p *recordingPublisher) PublishOutcome(_ context.Context, event OutcomeEvent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return "msg-1", nil
}

type stubSessions struct {
	retrieveFn func(ctx context.Context, sessionID string) (domain.PaymentSession, error)

	mu    sync.Mutex
	calls int
}

func (s *stubSessions) RetrieveSession(ctx context.Context, sessionID string) (domain.PaymentSession, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.retrieveFn(ctx, sessionID)
}

type stubVerifier struct {
	verifyFn func(payload []byte, signature string) (payments.Event, error)
}

func (s stubVerifier) VerifyEvent(payload []byte, signature string) (payments.Event, error) {
	return s.verifyFn(payload, signature)
}

type pipeline struct {
	webhook     WebhookService
	fulfillment FulfillmentService
	ledger      *ledger.MemoryStore
	notifier    *recordingNotifier
	publisher   *recordingPublisher
	sessions    *stubSessions
	catalog     *catalog.StaticSource
	adapters    map[domain.ProviderID]*stubAdapter
}

func fixedClock() time.Time {
	return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
}

func testCatalog() *catalog.StaticSource {
	return catalog.NewStaticSource(
		domain.RoutingEntry{SKU: "ARI-HOOD-STD", Provider: domain.ProviderPrintful, ProviderSKU: "4012", Type: domain.ItemTypePhysical, Title: "Aries Hoodie"},
		domain.RoutingEntry{SKU: "READ-ARI-MINI", Provider: domain.ProviderDigital, Type: domain.ItemTypeDigital, Title: "Aries Mini Reading"},
		domain.RoutingEntry{SKU: "MUG-1", Provider: domain.ProviderPrintify, ProviderSKU: "MUG-11OZ", Type: domain.ItemTypePhysical, Title: "Mug"},
		domain.RoutingEntry{SKU: "POSTER-1", Provider: domain.ProviderGelato, ProviderSKU: "poster_a3", Type: domain.ItemTypePhysical, Title: "Poster"},
		domain.RoutingEntry{SKU: "ARI-BUNDLE", Provider: domain.ProviderBundle, Type: domain.ItemTypeBundle, BundleMembers: []string{"ARI-HOOD-STD", "MUG-1", "POSTER-1"}},
		domain.RoutingEntry{SKU: "GHOST-BUNDLE", Provider: domain.ProviderBundle, Type: domain.ItemTypeBundle, BundleMembers: []string{"MUG-1", "GHOST-1"}},
		domain.RoutingEntry{SKU: "NEST-BUNDLE", Provider: domain.ProviderBundle, Type: domain.ItemTypeBundle, BundleMembers: []string{"MUG-1", "ARI-BUNDLE"}},
		domain.RoutingEntry{SKU: "DONATE-5", Provider: domain.ProviderManual, Type: domain.ItemTypePhysical, Title: "Donation"},
		domain.RoutingEntry{SKU: "TICKET-GALA", Provider: domain.ProviderTicketing, Type: domain.ItemTypeTicket, Title: "Gala"},
	)
}

func line(sku string, qty, amount int64, extra map[string]string) domain.LineItem {
	meta := map[string]string{payments.MetaSKU: sku, payments.MetaIsDigital: "false"}
	for k, v := range extra {
		meta[k] = v
	}
	return domain.LineItem{ProductName: sku, Quantity: qty, UnitAmount: amount, Currency: "GBP", Metadata: meta}
}

func paidSession(lines ...domain.LineItem) domain.PaymentSession {
	return domain.PaymentSession{
		ID:            "cs_test_paid",
		PaymentStatus: "paid",
		Currency:      "GBP",
		Customer:      domain.Customer{Name: "Ada Lovelace", Email: "ada@example.com", Phone: "+44 20 7946 0000"},
		Shipping: domain.Address{
			Name:       "Ada Lovelace",
			Line1:      "1 Analytical Way",
			City:       "London",
			PostalCode: "N1 1AA",
			Country:    "GB",
		},
		LineItems: lines,
	}
}

func newPipeline(t *testing.T, session domain.PaymentSession) *pipeline {
	t.Helper()

	p := &pipeline{
		ledger:    ledger.NewMemoryStore(time.Hour),
		notifier:  &recordingNotifier{},
		publisher: &recordingPublisher{},
		catalog:   testCatalog(),
		adapters:  map[domain.ProviderID]*stubAdapter{},
		sessions: &stubSessions{retrieveFn: func(context.Context, string) (domain.PaymentSession, error) {
			return session, nil
		}},
	}

	var adapters []fulfillment.Adapter
	for _, id := range []domain.ProviderID{
		domain.ProviderPrintful, domain.ProviderPrintify, domain.ProviderGelato,
		domain.ProviderDigital, domain.ProviderManual, domain.ProviderTicketing,
	} {
		adapter := &stubAdapter{provider: id}
		p.adapters[id] = adapter
		adapters = append(adapters, adapter)
	}
	registry, err := fulfillment.NewRegistry(adapters...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	dispatcher, err := NewDispatcher(DispatcherDeps{
		Adapters:    registry,
		Notifier:    p.notifier,
		Ledger:      p.ledger,
		Publisher:   p.publisher,
		Concurrency: 4,
		CallTimeout: time.Second,
		Clock:       fixedClock,
	})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	runs := 0
	p.fulfillment, err = NewFulfillmentService(FulfillmentServiceDeps{
		Sessions:   p.sessions,
		Catalog:    p.catalog,
		Ledger:     p.ledger,
		Dispatcher: dispatcher,
		Lease:      time.Minute,
		Clock:      fixedClock,
		IDGen: func() string {
			runs++
			return "run-" + string(rune('0'+runs))
		},
	})
	if err != nil {
		t.Fatalf("NewFulfillmentService: %v", err)
	}

	p.webhook, err = NewWebhookService(WebhookServiceDeps{
		Verifier: stubVerifier{verifyFn: func(_ []byte, signature string) (payments.Event, error) {
			if signature != "t=1,v1=good" {
				return payments.Event{}, payments.ErrSignature
			}
			return payments.Event{ID: "evt_1", Type: payments.EventCheckoutCompleted, SessionID: session.ID}, nil
		}},
		Fulfillment: p.fulfillment,
	})
	if err != nil {
		t.Fatalf("NewWebhookService: %v", err)
	}
	return p
}

func (p *pipeline) deliver(t *testing.T) (WebhookResult, error) {
	t.Helper()
	return p.webhook.HandleStripeEvent(context.Background(), StripeWebhookCommand{
		Payload:   []byte(`{"id":"evt_1"}`),
		Signature: "t=1,v1=good",
	})
}

func (p *pipeline) totalAdapterCalls() int {
	n := 0
	for _, adapter := range p.adapters {
		n += len(adapter.calls())
	}
	return n
}

func outcomeFor(t *testing.T, run FulfillmentRun, key string) domain.FulfillmentOutcome {
	t.Helper()
	for _, outcome := range run.Outcomes {
		if outcome.ItemKey == key {
			return outcome
		}
	}
	t.Fatalf("no outcome for %s in %+v", key, run.Outcomes)
	return domain.FulfillmentOutcome{}
}

func TestWebhookInvalidSignatureMakesNoCalls(t *testing.T) {
	p := newPipeline(t, paidSession(line("ARI-HOOD-STD", 1, 6500, nil)))

	_, err := p.webhook.HandleStripeEvent(context.Background(), StripeWebhookCommand{
		Payload:   []byte(`{"id":"evt_forged"}`),
		Signature: "t=1,v1=forged",
	})
	var sigErr *SignatureError
	if !errors.As(err, &sigErr) {
		t.Fatalf("expected SignatureError, got %v", err)
	}
	if p.sessions.calls != 0 {
		t.Fatalf("session must not be retrieved, got %d calls", p.sessions.calls)
	}
	if got := p.totalAdapterCalls(); got != 0 {
		t.Fatalf("expected 0 provider calls, got %d", got)
	}

	_, err = p.webhook.HandleStripeEvent(context.Background(), StripeWebhookCommand{Payload: []byte(`{}`)})
	if !errors.Is(err, ErrSignature) {
		t.Fatalf("expected missing header to be rejected, got %v", err)
	}
}

func TestWebhookAcknowledgesOtherEventTypes(t *testing.T) {
	p := newPipeline(t, paidSession(line("ARI-HOOD-STD", 1, 6500, nil)))
	webhook, err := NewWebhookService(WebhookServiceDeps{
		Verifier: stubVerifier{verifyFn: func([]byte, string) (payments.Event, error) {
			return payments.Event{ID: "evt_2", Type: "payment_intent.created"}, nil
		}},
		Fulfillment: p.fulfillment,
	})
	if err != nil {
		t.Fatalf("NewWebhookService: %v", err)
	}

	result, err := webhook.HandleStripeEvent(context.Background(), StripeWebhookCommand{Payload: []byte(`{}`), Signature: "sig"})
	if err != nil {
		t.Fatalf("HandleStripeEvent: %v", err)
	}
	if result.Handled {
		t.Fatalf("unrelated event must not be handled")
	}
	if p.sessions.calls != 0 || p.totalAdapterCalls() != 0 {
		t.Fatalf("unrelated event caused side effects")
	}
}

func TestFulfillMixedCartRoutesDigitalAndPhysical(t *testing.T) {
	p := newPipeline(t, paidSession(
		line("ARI-HOOD-STD", 1, 6500, map[string]string{payments.MetaSize: "M"}),
		line("READ-ARI-MINI", 1, 1200, map[string]string{payments.MetaIsDigital: "true"}),
	))

	result, err := p.deliver(t)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !result.Handled || result.Run.Status != RunCompleted {
		t.Fatalf("expected completed run, got %+v", result.Run)
	}

	printful := p.adapters[domain.ProviderPrintful].calls()
	if len(printful) != 1 || printful[0].SKU != "ARI-HOOD-STD" {
		t.Fatalf("hoodie should route to printful, got %+v", printful)
	}
	if printful[0].Metadata.Size != "M" || printful[0].Classification != domain.ClassPhysical {
		t.Fatalf("unexpected hoodie item %+v", printful[0])
	}
	digital := p.adapters[domain.ProviderDigital].calls()
	if len(digital) != 1 || digital[0].SKU != "READ-ARI-MINI" {
		t.Fatalf("reading should route to digital, got %+v", digital)
	}
	if len(p.notifier.all()) != 0 {
		t.Fatalf("no notices expected for a clean run")
	}
	if len(p.publisher.events) != 2 {
		t.Fatalf("expected 2 published outcomes, got %d", len(p.publisher.events))
	}
}

func TestDigitalFlagOverridesCatalogProvider(t *testing.T) {
	p := newPipeline(t, paidSession(line("MUG-1", 1, 1500, map[string]string{payments.MetaIsDigital: "true"})))

	if _, err := p.deliver(t); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(p.adapters[domain.ProviderPrintify].calls()) != 0 {
		t.Fatalf("digital item must not reach the print provider")
	}
	if len(p.adapters[domain.ProviderDigital].calls()) != 1 {
		t.Fatalf("digital item should reach the digital adapter")
	}
}

func TestBundleExpandsToIndependentMembers(t *testing.T) {
	session := paidSession(line("ARI-BUNDLE", 2, 9900, nil))
	p := newPipeline(t, session)

	result, err := p.deliver(t)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if result.Run.Status != RunCompleted {
		t.Fatalf("expected completed, got %+v", result.Run)
	}
	if got := p.totalAdapterCalls(); got != 3 {
		t.Fatalf("expected 3 member dispatches, got %d", got)
	}

	var members []domain.NormalizedOrderItem
	for _, id := range []domain.ProviderID{domain.ProviderPrintful, domain.ProviderPrintify, domain.ProviderGelato} {
		calls := p.adapters[id].calls()
		if len(calls) != 1 {
			t.Fatalf("expected one call to %s, got %d", id, len(calls))
		}
		members = append(members, calls[0])
	}
	keys := map[string]bool{}
	for _, m := range members {
		if m.BundleParent != "ARI-BUNDLE" || m.Quantity != 2 {
			t.Fatalf("unexpected member %+v", m)
		}
		if m.Customer != session.Customer || m.Shipping != session.Shipping {
			t.Fatalf("member lost the parent's customer or shipping: %+v", m)
		}
		keys[m.IdempotencyKey()] = true
	}
	if len(keys) != 3 {
		t.Fatalf("members must have distinct idempotency keys")
	}
	outcomeFor(t, result.Run, "ARI-BUNDLE/MUG-1")
}

func TestNestedBundleFailsWithoutRecursion(t *testing.T) {
	p := newPipeline(t, paidSession(
		line("NEST-BUNDLE", 1, 5000, nil),
		line("POSTER-1", 1, 2500, nil),
	))

	result, err := p.deliver(t)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(p.adapters[domain.ProviderPrintify].calls()) != 0 || len(p.adapters[domain.ProviderPrintful].calls()) != 0 {
		t.Fatalf("nested bundle members must not be dispatched")
	}
	if len(p.adapters[domain.ProviderGelato].calls()) != 1 {
		t.Fatalf("sibling item should still be dispatched")
	}

	outcome := outcomeFor(t, result.Run, "NEST-BUNDLE")
	if outcome.Status != domain.OutcomeFailed {
		t.Fatalf("expected failed outcome, got %+v", outcome)
	}
	notices := p.notifier.all()
	if len(notices) != 1 || notices[0].Kind != notify.KindBundleNesting {
		t.Fatalf("expected one nesting notice, got %+v", notices)
	}
	if result.Run.Status != RunPartial {
		t.Fatalf("expected partial run, got %s", result.Run.Status)
	}
}

func TestResolveBundleNestingError(t *testing.T) {
	snapshot, _ := testCatalog().Fetch(context.Background())
	parentEntry, _ := snapshot.Lookup("NEST-BUNDLE")
	items, faults := ResolveBundle(snapshot, domain.NormalizedOrderItem{SKU: "NEST-BUNDLE", Quantity: 1, Entry: parentEntry})
	if len(items) != 0 {
		t.Fatalf("expected no members, got %+v", items)
	}
	if len(faults) != 1 {
		t.Fatalf("expected one fault, got %d", len(faults))
	}
	var nesting *BundleNestingError
	if !errors.As(faults[0].Err, &nesting) || nesting.Member != "ARI-BUNDLE" {
		t.Fatalf("expected BundleNestingError, got %v", faults[0].Err)
	}
}

func TestBundleMemberWithoutEntryIsUnroutable(t *testing.T) {
	p := newPipeline(t, paidSession(line("GHOST-BUNDLE", 1, 3000, nil)))

	result, err := p.deliver(t)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(p.adapters[domain.ProviderPrintify].calls()) != 1 {
		t.Fatalf("routable member should be dispatched")
	}
	outcome := outcomeFor(t, result.Run, "GHOST-BUNDLE/GHOST-1")
	if outcome.Status != domain.OutcomeFailed {
		t.Fatalf("expected unroutable member to fail, got %+v", outcome)
	}
	notices := p.notifier.all()
	if len(notices) != 1 || notices[0].Kind != notify.KindUnroutable || notices[0].Detail["bundle"] != "GHOST-BUNDLE" {
		t.Fatalf("expected unroutable member notice, got %+v", notices)
	}
}

func TestProviderFailureNotifiesOnceWithoutRollback(t *testing.T) {
	p := newPipeline(t, paidSession(
		line("ARI-HOOD-STD", 1, 6500, nil),
		line("MUG-1", 1, 1500, nil),
	))
	p.adapters[domain.ProviderPrintful].fulfillFn = func(domain.NormalizedOrderItem) (fulfillment.Result, error) {
		return fulfillment.Result{}, &fulfillment.ProviderError{Provider: domain.ProviderPrintful, Status: 500, Body: `{"error":"boom"}`}
	}

	result, err := p.deliver(t)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if result.Run.Status != RunPartial || result.Run.Failed() != 1 {
		t.Fatalf("expected one failure, got %+v", result.Run)
	}
	if outcome := outcomeFor(t, result.Run, "MUG-1"); outcome.Status != domain.OutcomeSucceeded {
		t.Fatalf("sibling must succeed, got %+v", outcome)
	}

	notices := p.notifier.all()
	if len(notices) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(notices))
	}
	notice := notices[0]
	if notice.Kind != notify.KindFulfillmentFailure || notice.Audience != notify.AudienceOps {
		t.Fatalf("unexpected notice %+v", notice)
	}
	if notice.Detail["provider"] != "printful" || notice.Detail["provider_status"] != "500" || notice.Detail["provider_response"] != `{"error":"boom"}` {
		t.Fatalf("notice missing provider detail: %v", notice.Detail)
	}
	if got := notice.Amounts["unit_amount"]; got != (notify.Amount{Minor: 6500, Currency: "GBP"}) {
		t.Fatalf("notice should carry the unit price for locale rendering, got %+v", notice.Amounts)
	}
}

func TestRedeliveryIsSkippedByLedger(t *testing.T) {
	p := newPipeline(t, paidSession(
		line("ARI-HOOD-STD", 1, 6500, nil),
		line("MUG-1", 1, 1500, nil),
	))

	if _, err := p.deliver(t); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	result, err := p.deliver(t)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if result.Run.Status != RunAlreadyCompleted {
		t.Fatalf("expected already completed, got %s", result.Run.Status)
	}
	if got := p.totalAdapterCalls(); got != 2 {
		t.Fatalf("redelivery must not call providers again, got %d calls", got)
	}
}

func TestRetryOnlyRedispatchesFailedItems(t *testing.T) {
	p := newPipeline(t, paidSession(
		line("ARI-HOOD-STD", 1, 6500, nil),
		line("MUG-1", 1, 1500, nil),
	))
	failing := true
	p.adapters[domain.ProviderPrintful].fulfillFn = func(item domain.NormalizedOrderItem) (fulfillment.Result, error) {
		if failing {
			return fulfillment.Result{}, errors.New("connection reset")
		}
		return fulfillment.Result{ProviderOrderID: "pf_1"}, nil
	}

	first, err := p.deliver(t)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if first.Run.Status != RunPartial {
		t.Fatalf("expected partial first run, got %s", first.Run.Status)
	}

	failing = false
	second, err := p.fulfillment.FulfillSession(context.Background(), FulfillSessionCommand{SessionID: "cs_test_paid", Trigger: "replay"})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.Status != RunCompleted || second.Attempt != 2 {
		t.Fatalf("expected completed second attempt, got %+v", second)
	}
	if got := len(p.adapters[domain.ProviderPrintify].calls()); got != 1 {
		t.Fatalf("succeeded item must not be re-sent, got %d calls", got)
	}
	if got := len(p.adapters[domain.ProviderPrintful].calls()); got != 2 {
		t.Fatalf("failed item should be retried, got %d calls", got)
	}
	if outcome := outcomeFor(t, second, "MUG-1"); outcome.Status != domain.OutcomeSkipped {
		t.Fatalf("expected skipped outcome, got %+v", outcome)
	}
	if outcome := outcomeFor(t, second, "ARI-HOOD-STD"); outcome.ProviderOrderID != "pf_1" {
		t.Fatalf("expected retried outcome, got %+v", outcome)
	}
}

func TestUnroutableSkuIsNotifiedAndSiblingsProceed(t *testing.T) {
	p := newPipeline(t, paidSession(
		line("UNKNOWN-SKU", 1, 1000, nil),
		line("MUG-1", 1, 1500, nil),
		domain.LineItem{ProductName: "Tampered", Quantity: 1, UnitAmount: 100, Metadata: map[string]string{payments.MetaSKU: "MUG-1", payments.MetaIsDigital: "maybe"}},
	))

	result, err := p.deliver(t)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(p.adapters[domain.ProviderPrintify].calls()) != 1 {
		t.Fatalf("routable sibling must be dispatched once")
	}
	if result.Run.Failed() != 2 {
		t.Fatalf("expected 2 failed items, got %+v", result.Run.Outcomes)
	}
	notices := p.notifier.all()
	if len(notices) != 2 {
		t.Fatalf("expected 2 notices, got %d", len(notices))
	}
	for _, notice := range notices {
		if notice.Kind != notify.KindUnroutable {
			t.Fatalf("unexpected notice kind %s", notice.Kind)
		}
	}
}

func TestDonationSucceedsWithoutAdapter(t *testing.T) {
	p := newPipeline(t, paidSession(line("DONATE-5", 1, 500, map[string]string{payments.MetaKind: "donation"})))

	result, err := p.deliver(t)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if p.totalAdapterCalls() != 0 {
		t.Fatalf("donations must not call an adapter")
	}
	outcome := outcomeFor(t, result.Run, "DONATE-5")
	if outcome.Status != domain.OutcomeSucceeded || outcome.ProviderOrderID != donationReference {
		t.Fatalf("unexpected donation outcome %+v", outcome)
	}
	if len(p.notifier.all()) != 0 {
		t.Fatalf("donations must not notify ops")
	}
}

func TestMissingAdapterIsNotifiedFailure(t *testing.T) {
	p := newPipeline(t, paidSession(line("TICKET-GALA", 2, 4000, nil)))
	registry, _ := fulfillment.NewRegistry(p.adapters[domain.ProviderPrintful])
	dispatcher, err := NewDispatcher(DispatcherDeps{Adapters: registry, Notifier: p.notifier, Ledger: p.ledger})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	item := domain.NormalizedOrderItem{
		SessionID:      "cs_x",
		SKU:            "TICKET-GALA",
		Quantity:       2,
		Classification: domain.ClassPhysical,
		Entry:          domain.RoutingEntry{SKU: "TICKET-GALA", Provider: domain.ProviderTicketing},
	}
	if _, err := p.ledger.Reserve(context.Background(), "cs_x", fixedClock(), time.Minute); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	outcomes := dispatcher.Dispatch(context.Background(), "run-x", []domain.NormalizedOrderItem{item}, nil)
	if len(outcomes) != 1 || outcomes[0].Status != domain.OutcomeFailed {
		t.Fatalf("expected failure, got %+v", outcomes)
	}
	if !strings.Contains(outcomes[0].Detail, "no adapter registered") {
		t.Fatalf("unexpected failure detail %q", outcomes[0].Detail)
	}
	if len(p.notifier.all()) != 1 {
		t.Fatalf("missing adapter must be notified")
	}
}

func TestRoutingUnavailableAbortsAndReleases(t *testing.T) {
	p := newPipeline(t, paidSession(line("ARI-HOOD-STD", 1, 6500, nil)))
	p.catalog.Err = errors.New("catalog returned 502")

	_, err := p.deliver(t)
	var routingErr *RoutingUnavailableError
	if !errors.As(err, &routingErr) {
		t.Fatalf("expected RoutingUnavailableError, got %v", err)
	}
	if p.totalAdapterCalls() != 0 || len(p.notifier.all()) != 0 {
		t.Fatalf("routing failure must abort before dispatch")
	}

	res, err := p.ledger.Reserve(context.Background(), "cs_test_paid", fixedClock(), time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.State != ledger.StateNew {
		t.Fatalf("lease should be released for redelivery, got %s", res.State)
	}
}

func TestInFlightSessionIsRejected(t *testing.T) {
	p := newPipeline(t, paidSession(line("ARI-HOOD-STD", 1, 6500, nil)))
	if _, err := p.ledger.Reserve(context.Background(), "cs_test_paid", fixedClock(), time.Minute); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	_, err := p.deliver(t)
	if !errors.Is(err, ErrFulfillmentInFlight) {
		t.Fatalf("expected ErrFulfillmentInFlight, got %v", err)
	}
	if p.totalAdapterCalls() != 0 {
		t.Fatalf("in-flight session must not dispatch")
	}
}

func TestUnpaidSessionIsAcknowledged(t *testing.T) {
	session := paidSession(line("ARI-HOOD-STD", 1, 6500, nil))
	session.PaymentStatus = "unpaid"
	p := newPipeline(t, session)

	result, err := p.deliver(t)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if result.Handled || result.Run.Status != RunNotPaid {
		t.Fatalf("expected not paid, got %+v", result)
	}
	if p.totalAdapterCalls() != 0 {
		t.Fatalf("unpaid session must not dispatch")
	}
}

func TestSessionRetrievalFailure(t *testing.T) {
	p := newPipeline(t, paidSession())
	p.sessions.retrieveFn = func(context.Context, string) (domain.PaymentSession, error) {
		return domain.PaymentSession{}, errors.New("stripe: 500")
	}
	_, err := p.deliver(t)
	if !errors.Is(err, ErrPaymentProviderUnavailable) {
		t.Fatalf("expected ErrPaymentProviderUnavailable, got %v", err)
	}

	p.sessions.retrieveFn = func(context.Context, string) (domain.PaymentSession, error) {
		return domain.PaymentSession{}, payments.ErrSessionNotFound
	}
	_, err = p.fulfillment.FulfillSession(context.Background(), FulfillSessionCommand{SessionID: "cs_gone"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for unknown session, got %v", err)
	}
}

func TestDispatchPreservesItemOrder(t *testing.T) {
	p := newPipeline(t, paidSession())
	registry, _ := fulfillment.NewRegistry(p.adapters[domain.ProviderPrintful])
	dispatcher, err := NewDispatcher(DispatcherDeps{Adapters: registry, Notifier: p.notifier, Ledger: p.ledger, Concurrency: 2})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	if _, err := p.ledger.Reserve(context.Background(), "cs_order", fixedClock(), time.Minute); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	var items []domain.NormalizedOrderItem
	for _, sku := range []string{"A", "B", "C", "D", "E"} {
		items = append(items, domain.NormalizedOrderItem{
			SessionID:      "cs_order",
			SKU:            sku,
			Quantity:       1,
			Classification: domain.ClassPhysical,
			Entry:          domain.RoutingEntry{SKU: sku, Provider: domain.ProviderPrintful},
		})
	}
	outcomes := dispatcher.Dispatch(context.Background(), "run-order", items, nil)
	got := make([]string, 0, len(outcomes))
	for _, outcome := range outcomes {
		got = append(got, outcome.SKU)
	}
	if !sort.StringsAreSorted(got) || len(got) != 5 {
		t.Fatalf("outcomes out of order: %v", got)
	}
}
