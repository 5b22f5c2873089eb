package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/checkout/session"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/domain"
)

const defaultWebhookTolerance = 300 * time.Second

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripeLineItemAPI interface {
	List(ctx context.Context, sessionID string) ([]*stripe.LineItem, error)
}

type stripeClients struct {
	sessions  stripeSessionAPI
	lineItems stripeLineItemAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey           string
	WebhookSecret    string
	AccountID        string
	Backends         *stripe.Backends
	Logger           StripeLogger
	Clock            func() time.Time
	WebhookTolerance time.Duration
	Clients          *stripeClients
}

// StripeProvider implements Gateway using Stripe Checkout.
type StripeProvider struct {
	api           stripeClients
	account       string
	webhookSecret string
	tolerance     time.Duration
	clock         func() time.Time
	logger        StripeLogger
}

// NewStripeProvider constructs a Stripe Gateway using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			sessions: sc.CheckoutSessions,
			lineItems: sessionLineItems{
				client:  sc.CheckoutSessions,
				account: strings.TrimSpace(cfg.AccountID),
			},
		}
	}
	if clients.sessions == nil || clients.lineItems == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	tolerance := cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = defaultWebhookTolerance
	}

	return &StripeProvider{
		api:           clients,
		account:       strings.TrimSpace(cfg.AccountID),
		webhookSecret: secret,
		tolerance:     tolerance,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateCheckoutSession creates a Stripe Checkout session in payment mode.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	if p == nil {
		return CheckoutSession{}, errors.New("stripe: provider is nil")
	}
	if len(req.Items) == 0 {
		return CheckoutSession{}, errors.New("stripe: at least one line item is required")
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = copyMetadata(req.Metadata)
	}

	lineItems := make([]*stripe.CheckoutSessionLineItemParams, 0, len(req.Items))
	for _, item := range req.Items {
		lineItems = append(lineItems, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(item.Quantity),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(item.UnitAmount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name:     stripe.String(item.Name),
					Metadata: copyMetadata(item.Metadata),
				},
			},
		})
	}
	params.LineItems = lineItems

	if req.CollectShipping {
		params.ShippingAddressCollection = &stripe.CheckoutSessionShippingAddressCollectionParams{
			AllowedCountries: stripe.StringSlice(req.AllowedCountries),
		}
		params.PhoneNumberCollection = &stripe.CheckoutSessionPhoneNumberCollectionParams{
			Enabled: stripe.Bool(true),
		}
		if req.Shipping != nil {
			params.ShippingOptions = []*stripe.CheckoutSessionShippingOptionParams{{
				ShippingRateData: &stripe.CheckoutSessionShippingOptionShippingRateDataParams{
					DisplayName: stripe.String(req.Shipping.DisplayName),
					Type:        stripe.String("fixed_amount"),
					FixedAmount: &stripe.CheckoutSessionShippingOptionShippingRateDataFixedAmountParams{
						Amount:   stripe.Int64(req.Shipping.Amount),
						Currency: stripe.String(currency),
					},
				},
			}}
		}
	}

	sess, err := p.api.sessions.New(params)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	p.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId": sess.ID,
		"currency":  currency,
		"lines":     len(lineItems),
		"shipping":  req.CollectShipping,
	})

	expiresAt := p.clock().Add(24 * time.Hour)
	if sess.ExpiresAt != 0 {
		expiresAt = time.Unix(sess.ExpiresAt, 0).UTC()
	}

	return CheckoutSession{
		ID:          sess.ID,
		RedirectURL: sess.URL,
		ExpiresAt:   expiresAt,
	}, nil
}

// RetrieveSession fetches the session and every line item with its product metadata.
func (p *StripeProvider) RetrieveSession(ctx context.Context, sessionID string) (domain.PaymentSession, error) {
	if p == nil {
		return domain.PaymentSession{}, errors.New("stripe: provider is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.PaymentSession{}, ErrSessionNotFound
	}

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	params.AddExpand("customer_details")

	sess, err := p.api.sessions.Get(sessionID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == 404 {
			return domain.PaymentSession{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return domain.PaymentSession{}, fmt.Errorf("stripe: retrieve session: %w", err)
	}

	items, err := p.api.lineItems.List(ctx, sessionID)
	if err != nil {
		return domain.PaymentSession{}, fmt.Errorf("stripe: list line items: %w", err)
	}

	out := stripePaymentSession(sess, items)
	p.logger(ctx, "payments.stripe.session.retrieved", map[string]any{
		"sessionId":     out.ID,
		"paymentStatus": out.PaymentStatus,
		"lines":         len(out.LineItems),
	})
	return out, nil
}

// VerifyEvent checks the Stripe-Signature header against the raw payload.
func (p *StripeProvider) VerifyEvent(payload []byte, signatureHeader string) (Event, error) {
	if p == nil {
		return Event{}, errors.New("stripe: provider is nil")
	}
	if strings.TrimSpace(signatureHeader) == "" {
		return Event{}, fmt.Errorf("%w: signature header missing", ErrSignature)
	}
	evt, err := webhook.ConstructEventWithOptions(payload, signatureHeader, p.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                p.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrSignature, err)
	}

	out := Event{
		ID:       evt.ID,
		Type:     string(evt.Type),
		Livemode: evt.Livemode,
	}
	if evt.Created != 0 {
		out.CreatedAt = time.Unix(evt.Created, 0).UTC()
	}
	if evt.Data != nil && evt.Data.Object != nil {
		if object, _ := evt.Data.Object["object"].(string); object == "checkout.session" {
			out.SessionID, _ = evt.Data.Object["id"].(string)
		}
	}
	return out, nil
}

func stripePaymentSession(sess *stripe.CheckoutSession, items []*stripe.LineItem) domain.PaymentSession {
	if sess == nil {
		return domain.PaymentSession{}
	}
	out := domain.PaymentSession{
		ID:            sess.ID,
		PaymentStatus: string(sess.PaymentStatus),
		Currency:      strings.ToUpper(string(sess.Currency)),
		AmountTotal:   sess.AmountTotal,
		Metadata:      copyMetadata(sess.Metadata),
	}
	if details := sess.CustomerDetails; details != nil {
		out.Customer = domain.Customer{
			Name:  details.Name,
			Email: details.Email,
			Phone: details.Phone,
		}
	}
	if shipping := sess.ShippingDetails; shipping != nil {
		out.Shipping = stripeAddress(shipping.Name, shipping.Address)
		if out.Customer.Name == "" {
			out.Customer.Name = shipping.Name
		}
	}

	out.LineItems = make([]domain.LineItem, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		line := domain.LineItem{
			ProductName: item.Description,
			Quantity:    item.Quantity,
			Currency:    strings.ToUpper(string(item.Currency)),
		}
		if price := item.Price; price != nil {
			line.UnitAmount = price.UnitAmount
			if product := price.Product; product != nil {
				if product.Name != "" {
					line.ProductName = product.Name
				}
				line.Metadata = copyMetadata(product.Metadata)
			}
		}
		if line.UnitAmount == 0 && item.Quantity > 0 {
			line.UnitAmount = item.AmountSubtotal / item.Quantity
		}
		out.LineItems = append(out.LineItems, line)
	}
	return out
}

func stripeAddress(name string, addr *stripe.Address) domain.Address {
	if addr == nil {
		return domain.Address{Name: name}
	}
	return domain.Address{
		Name:       name,
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Country:    strings.ToUpper(addr.Country),
	}
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// sessionLineItems pages through a session's line items with the product expanded. The
// connected account must match the one used to retrieve the session.
type sessionLineItems struct {
	client  *session.Client
	account string
}

func (s sessionLineItems) List(ctx context.Context, sessionID string) ([]*stripe.LineItem, error) {
	params := &stripe.CheckoutSessionListLineItemsParams{
		Session: stripe.String(sessionID),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(100)
	params.AddExpand("data.price.product")
	if s.account != "" {
		params.SetStripeAccount(s.account)
	}

	var out []*stripe.LineItem
	iter := s.client.ListLineItems(params)
	for iter.Next() {
		out = append(out, iter.LineItem())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ProviderMessage extracts the payment provider's own error message from err, falling
// back to the error text.
func ProviderMessage(err error) string {
	if err == nil {
		return ""
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && strings.TrimSpace(stripeErr.Msg) != "" {
		return stripeErr.Msg
	}
	return err.Error()
}
