package payments

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/domain"
)

// Metadata keys written on every checkout line item and read back at webhook time.
const (
	MetaSKU       = "sku"
	MetaKind      = "kind"
	MetaCategory  = "category"
	MetaSign      = "sign"
	MetaSize      = "size"
	MetaIsDigital = "is_digital"

	SessionMetaItemCount   = "item_count"
	SessionMetaFingerprint = "cart_fingerprint"
)

// Event types that carry a settled checkout.
const (
	EventCheckoutCompleted           = "checkout.session.completed"
	EventCheckoutAsyncPaymentSucceed = "checkout.session.async_payment_succeeded"
)

var (
	// ErrSignature is returned when an inbound event fails authenticity checks.
	ErrSignature = errors.New("payments: webhook signature invalid")
	// ErrSessionNotFound is returned when the provider has no record of the session.
	ErrSessionNotFound = errors.New("payments: session not found")
)

// CheckoutLineItem describes a single line item to include in a checkout session.
type CheckoutLineItem struct {
	Name       string
	Quantity   int64
	UnitAmount int64
	Metadata   map[string]string
}

// ShippingOption is the one shipping rate attached to a session.
type ShippingOption struct {
	DisplayName string
	Amount      int64
}

// CheckoutSessionRequest captures the payload required to create a checkout session.
type CheckoutSessionRequest struct {
	Currency         string
	SuccessURL       string
	CancelURL        string
	Items            []CheckoutLineItem
	CollectShipping  bool
	AllowedCountries []string
	Shipping         *ShippingOption
	Metadata         map[string]string
	IdempotencyKey   string
}

// CheckoutSession represents the session returned to the storefront.
type CheckoutSession struct {
	ID          string
	RedirectURL string
	ExpiresAt   time.Time
}

// Event is a verified inbound provider event.
type Event struct {
	ID        string
	Type      string
	SessionID string
	Livemode  bool
	CreatedAt time.Time
}

// Gateway is the payment provider boundary: session creation, authoritative session
// retrieval, and inbound event verification.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error)
	RetrieveSession(ctx context.Context, sessionID string) (domain.PaymentSession, error)
	VerifyEvent(payload []byte, signatureHeader string) (Event, error)
}

// EncodeItemMetadata flattens routing metadata for a checkout line item.
func EncodeItemMetadata(meta domain.ItemMetadata) map[string]string {
	out := map[string]string{
		MetaSKU:       meta.SKU,
		MetaIsDigital: strconv.FormatBool(meta.IsDigital),
	}
	setIfPresent(out, MetaKind, meta.Kind)
	setIfPresent(out, MetaCategory, meta.Category)
	setIfPresent(out, MetaSign, meta.Sign)
	setIfPresent(out, MetaSize, meta.Size)
	return out
}

func setIfPresent(m map[string]string, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		m[key] = v
	}
}
