package services

import (
	"context"
	"time"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/domain"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/payments"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	CartItem           = domain.CartItem
	PaymentSession     = domain.PaymentSession
	FulfillmentOutcome = domain.FulfillmentOutcome
)

// CheckoutService turns a storefront cart into a hosted payment session.
type CheckoutService interface {
	CreateCheckoutSession(ctx context.Context, cmd CreateCheckoutSessionCommand) (CheckoutSession, error)
}

// WebhookService verifies inbound payment events and triggers fulfillment for settled sessions.
type WebhookService interface {
	HandleStripeEvent(ctx context.Context, cmd StripeWebhookCommand) (WebhookResult, error)
}

// FulfillmentService routes and dispatches every item of a paid session exactly once.
type FulfillmentService interface {
	FulfillSession(ctx context.Context, cmd FulfillSessionCommand) (FulfillmentRun, error)
}

// ReadinessService reports whether downstream dependencies are reachable.
type ReadinessService interface {
	Check(ctx context.Context) (ReadinessReport, error)
}

// OutcomePublisher forwards per-item outcomes to downstream consumers.
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, event OutcomeEvent) (string, error)
}

// CreateCheckoutSessionCommand is the storefront cart submitted for payment.
type CreateCheckoutSessionCommand struct {
	Items []CartItem
}

// CheckoutSession is returned to the storefront for redirect.
type CheckoutSession struct {
	SessionID       string
	RedirectURL     string
	ExpiresAt       time.Time
	CollectShipping bool
	ShippingAmount  int64
	Currency        string
}

// StripeWebhookCommand carries the raw webhook request.
type StripeWebhookCommand struct {
	Payload   []byte
	Signature string
}

// WebhookResult describes how an event was handled.
type WebhookResult struct {
	EventID   string
	EventType string
	SessionID string
	// Handled is false for acknowledged events that triggered nothing.
	Handled bool
	Run     FulfillmentRun
}

// FulfillSessionCommand identifies the session to fulfill and why.
type FulfillSessionCommand struct {
	SessionID string
	EventID   string
	Trigger   string
}

// RunStatus summarises a fulfillment run.
type RunStatus string

const (
	// RunCompleted means every item has a terminal success.
	RunCompleted RunStatus = "completed"
	// RunPartial means at least one item failed and was notified.
	RunPartial RunStatus = "partial"
	// RunAlreadyCompleted means the ledger showed the session done and nothing was dispatched.
	RunAlreadyCompleted RunStatus = "already_completed"
	// RunNotPaid means the session is not settled and nothing was dispatched.
	RunNotPaid RunStatus = "not_paid"
)

// FulfillmentRun is the result of one pass over a session.
type FulfillmentRun struct {
	RunID           string
	SessionID       string
	Status          RunStatus
	Attempt         int
	SnapshotVersion string
	Outcomes        []FulfillmentOutcome
}

// Failed counts items that did not succeed in this run.
func (r FulfillmentRun) Failed() int {
	n := 0
	for _, outcome := range r.Outcomes {
		if !outcome.Succeeded() {
			n++
		}
	}
	return n
}

// OutcomeEvent is published once per dispatched item.
type OutcomeEvent struct {
	RunID          string    `json:"runId"`
	SessionID      string    `json:"sessionId"`
	ItemKey        string    `json:"itemKey"`
	SKU            string    `json:"sku"`
	Provider       string    `json:"provider"`
	Classification string    `json:"classification"`
	Status         string    `json:"status"`
	ProviderRef    string    `json:"providerOrderId,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	IdempotencyKey string    `json:"idempotencyKey"`
	CompletedAt    time.Time `json:"completedAt"`
}

// ReadinessReport aggregates dependency checks.
type ReadinessReport struct {
	Status      HealthStatus
	Checks      map[string]DependencyStatus
	GeneratedAt time.Time
}

// HealthStatus is the coarse state of a dependency or of the whole service.
type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthDegraded HealthStatus = "degraded"
	HealthError    HealthStatus = "error"
)

// DependencyStatus is one check result.
type DependencyStatus struct {
	Status    HealthStatus
	Detail    string
	Latency   time.Duration
	CheckedAt time.Time
}

type checkoutGateway interface {
	CreateCheckoutSession(ctx context.Context, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
}

type sessionRetriever interface {
	RetrieveSession(ctx context.Context, sessionID string) (domain.PaymentSession, error)
}

type eventVerifier interface {
	VerifyEvent(payload []byte, signatureHeader string) (payments.Event, error)
}
