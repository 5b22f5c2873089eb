package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/domain"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/payments"
)

const (
	defaultMaxCartLines      = 100
	defaultFreeShippingLabel = "Free shipping"
	defaultStandardShipLabel = "Standard shipping"
	maxTagLength             = 64
	maxTitleLength           = 120
)

var skuPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// CheckoutSettings holds the pricing and redirect policy applied to every session.
type CheckoutSettings struct {
	DefaultCurrency       string
	FreeShippingThreshold decimal.Decimal
	FlatShippingRate      decimal.Decimal
	FreeShippingLabel     string
	StandardShippingLabel string
	AllowedCountries      []string
	SuccessURL            string
	CancelURL             string
	MaxLines              int
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Payments checkoutGateway
	Settings CheckoutSettings
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
	// Nonce makes every submission a distinct provider request.
	Nonce func() string
}

type checkoutService struct {
	payments checkoutGateway
	settings CheckoutSettings
	logger   func(ctx context.Context, event string, fields map[string]any)
	nonce    func() string
}

var _ CheckoutService = (*checkoutService)(nil)

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Payments == nil {
		return nil, errors.New("checkout service: payment gateway is required")
	}
	settings := deps.Settings
	if strings.TrimSpace(settings.SuccessURL) == "" || strings.TrimSpace(settings.CancelURL) == "" {
		return nil, errors.New("checkout service: success and cancel urls are required")
	}
	if settings.FlatShippingRate.IsNegative() || settings.FreeShippingThreshold.IsNegative() {
		return nil, errors.New("checkout service: shipping amounts must not be negative")
	}
	if settings.MaxLines <= 0 {
		settings.MaxLines = defaultMaxCartLines
	}
	if settings.FreeShippingLabel == "" {
		settings.FreeShippingLabel = defaultFreeShippingLabel
	}
	if settings.StandardShippingLabel == "" {
		settings.StandardShippingLabel = defaultStandardShipLabel
	}
	settings.DefaultCurrency = strings.ToUpper(strings.TrimSpace(settings.DefaultCurrency))

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	nonce := deps.Nonce
	if nonce == nil {
		nonce = func() string { return strconv.FormatInt(clock().UnixNano(), 36) }
	}

	return &checkoutService{
		payments: deps.Payments,
		settings: settings,
		logger:   logger,
		nonce:    nonce,
	}, nil
}

// CreateCheckoutSession validates the cart, decides shipping, and requests a payment session.
func (s *checkoutService) CreateCheckoutSession(ctx context.Context, cmd CreateCheckoutSessionCommand) (CheckoutSession, error) {
	cart, err := s.validateCart(cmd.Items)
	if err != nil {
		return CheckoutSession{}, err
	}

	req := payments.CheckoutSessionRequest{
		Currency:   cart.currency,
		SuccessURL: s.settings.SuccessURL,
		CancelURL:  s.settings.CancelURL,
		Items:      cart.lines,
		Metadata: map[string]string{
			payments.SessionMetaItemCount:   strconv.Itoa(len(cart.lines)),
			payments.SessionMetaFingerprint: cart.fingerprint,
		},
		IdempotencyKey: cart.fingerprint + "-" + s.nonce(),
	}

	var shippingAmount int64
	if cart.needsShipping {
		option, err := s.shippingOption(cart.subtotal, cart.currency)
		if err != nil {
			return CheckoutSession{}, err
		}
		shippingAmount = option.Amount
		req.CollectShipping = true
		req.AllowedCountries = append([]string(nil), s.settings.AllowedCountries...)
		req.Shipping = &option
	}

	session, err := s.payments.CreateCheckoutSession(ctx, req)
	if err != nil {
		s.logger(ctx, "checkout.session.failed", map[string]any{
			"fingerprint": cart.fingerprint,
			"error":       err.Error(),
		})
		return CheckoutSession{}, &CheckoutError{Message: payments.ProviderMessage(err), Err: err}
	}

	s.logger(ctx, "checkout.session.created", map[string]any{
		"sessionId":      session.ID,
		"fingerprint":    cart.fingerprint,
		"lines":          len(cart.lines),
		"subtotal":       cart.subtotal.StringFixed(2),
		"currency":       cart.currency,
		"shipping":       cart.needsShipping,
		"shippingAmount": shippingAmount,
	})

	return CheckoutSession{
		SessionID:       session.ID,
		RedirectURL:     session.RedirectURL,
		ExpiresAt:       session.ExpiresAt,
		CollectShipping: cart.needsShipping,
		ShippingAmount:  shippingAmount,
		Currency:        cart.currency,
	}, nil
}

// shippingOption returns the single option attached to a session that collects an address.
func (s *checkoutService) shippingOption(subtotal decimal.Decimal, currency string) (payments.ShippingOption, error) {
	if subtotal.GreaterThanOrEqual(s.settings.FreeShippingThreshold) {
		return payments.ShippingOption{DisplayName: s.settings.FreeShippingLabel, Amount: 0}, nil
	}
	amount, err := domain.MinorUnits(s.settings.FlatShippingRate, currency)
	if err != nil {
		return payments.ShippingOption{}, invalid("currency", "flat shipping rate not representable in %s", currency)
	}
	return payments.ShippingOption{DisplayName: s.settings.StandardShippingLabel, Amount: amount}, nil
}

type validatedCart struct {
	currency      string
	subtotal      decimal.Decimal
	needsShipping bool
	lines         []payments.CheckoutLineItem
	fingerprint   string
}

func (s *checkoutService) validateCart(items []CartItem) (validatedCart, error) {
	if len(items) == 0 {
		return validatedCart{}, invalid("items", "cart is empty")
	}
	if len(items) > s.settings.MaxLines {
		return validatedCart{}, invalid("items", "cart has %d lines, limit is %d", len(items), s.settings.MaxLines)
	}

	out := validatedCart{subtotal: decimal.Zero, lines: make([]payments.CheckoutLineItem, 0, len(items))}
	prints := make([]string, 0, len(items))
	for i, item := range items {
		field := fmt.Sprintf("items[%d]", i)

		sku := strings.TrimSpace(item.SKU)
		if sku == "" {
			return validatedCart{}, invalid(field+".sku", "is required")
		}
		if !skuPattern.MatchString(sku) {
			return validatedCart{}, invalid(field+".sku", "contains unsupported characters")
		}
		if item.Quantity <= 0 {
			return validatedCart{}, invalid(field+".qty", "must be a positive integer")
		}
		if !item.Price.IsPositive() {
			return validatedCart{}, invalid(field+".price", "must be greater than zero")
		}

		currency := strings.ToUpper(strings.TrimSpace(item.Currency))
		if currency == "" {
			currency = s.settings.DefaultCurrency
		}
		if _, err := domain.ParseCurrency(currency); err != nil {
			return validatedCart{}, invalid(field+".currency", "unknown currency %q", item.Currency)
		}
		if out.currency == "" {
			out.currency = currency
		} else if out.currency != currency {
			return validatedCart{}, invalid(field+".currency", "mixes %s with %s", currency, out.currency)
		}

		unitAmount, err := domain.MinorUnits(item.Price, currency)
		if err != nil {
			return validatedCart{}, invalid(field+".price", "has more decimals than %s allows", currency)
		}

		for name, value := range map[string]string{"kind": item.Kind, "category": item.Category, "sign": item.Sign, "size": item.Size} {
			if len(strings.TrimSpace(value)) > maxTagLength {
				return validatedCart{}, invalid(field+"."+name, "exceeds %d characters", maxTagLength)
			}
		}

		out.subtotal = out.subtotal.Add(item.Price.Mul(decimal.NewFromInt(item.Quantity)))
		if !item.IsDigital {
			out.needsShipping = true
		}
		out.lines = append(out.lines, payments.CheckoutLineItem{
			Name:       lineName(item, sku),
			Quantity:   item.Quantity,
			UnitAmount: unitAmount,
			Metadata: payments.EncodeItemMetadata(domain.ItemMetadata{
				SKU:       sku,
				Kind:      item.Kind,
				Category:  item.Category,
				Sign:      item.Sign,
				Size:      item.Size,
				IsDigital: item.IsDigital,
			}),
		})
		prints = append(prints, strings.Join([]string{sku, strconv.FormatInt(item.Quantity, 10), strconv.FormatInt(unitAmount, 10), item.Size, item.Sign}, "|"))
	}

	sort.Strings(prints)
	sum := sha256.Sum256([]byte(out.currency + "\n" + strings.Join(prints, "\n")))
	out.fingerprint = hex.EncodeToString(sum[:])[:16]
	return out, nil
}

func lineName(item CartItem, sku string) string {
	name := strings.TrimSpace(item.Title)
	if name == "" {
		name = sku
	}
	if size := strings.TrimSpace(item.Size); size != "" {
		name += " (" + size + ")"
	}
	if len(name) > maxTitleLength {
		name = name[:maxTitleLength]
	}
	return name
}
