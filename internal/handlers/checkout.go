package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/domain"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/platform/httpx"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/services"
)

const maxCheckoutRequestBody = 64 * 1024

// CheckoutHandlers exposes the storefront checkout endpoint.
type CheckoutHandlers struct {
	checkout services.CheckoutService
	limiter  rateLimiter
}

// CheckoutOption customises CheckoutHandlers.
type CheckoutOption func(*checkoutOptions)

type checkoutOptions struct {
	perMinute int
	burst     int
	clock     func() time.Time
}

// WithCheckoutRateLimit limits checkout submissions per client address. Zero disables limiting.
func WithCheckoutRateLimit(perMinute, burst int) CheckoutOption {
	return func(o *checkoutOptions) {
		o.perMinute = perMinute
		o.burst = burst
	}
}

// WithCheckoutClock overrides the clock used by the rate limiter.
func WithCheckoutClock(clock func() time.Time) CheckoutOption {
	return func(o *checkoutOptions) {
		o.clock = clock
	}
}

// NewCheckoutHandlers constructs checkout handlers.
func NewCheckoutHandlers(checkout services.CheckoutService, opts ...CheckoutOption) *CheckoutHandlers {
	var o checkoutOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return &CheckoutHandlers{
		checkout: checkout,
		limiter:  newKeyedRateLimiter(o.perMinute, o.burst, o.clock),
	}
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/checkout", h.createSession)
}

type checkoutRequest struct {
	Items []checkoutItemRequest `json:"items"`
}

type checkoutItemRequest struct {
	SKU       string          `json:"sku"`
	Quantity  int64           `json:"qty"`
	Price     decimal.Decimal `json:"price"`
	Currency  string          `json:"currency"`
	Sign      string          `json:"sign"`
	Size      string          `json:"size"`
	Category  string          `json:"category"`
	Kind      string          `json:"kind"`
	IsDigital bool            `json:"isDigital"`
	Title     string          `json:"title"`
}

type checkoutResponse struct {
	SessionID       string `json:"sessionId"`
	URL             string `json:"url"`
	ExpiresAt       string `json:"expiresAt,omitempty"`
	CollectShipping bool   `json:"collectShipping"`
	ShippingAmount  int64  `json:"shippingAmount"`
	Currency        string `json:"currency"`
}

func (h *CheckoutHandlers) createSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	if h.limiter != nil && !h.limiter.Allow(clientKey(r)) {
		w.Header().Set("Retry-After", "60")
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many checkout attempts", http.StatusTooManyRequests))
		return
	}

	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), bodyErrorStatus(err)))
		return
	}

	var req checkoutRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	items := make([]domain.CartItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, domain.CartItem{
			SKU:       strings.TrimSpace(item.SKU),
			Quantity:  item.Quantity,
			Price:     item.Price,
			Currency:  strings.TrimSpace(item.Currency),
			Sign:      strings.TrimSpace(item.Sign),
			Size:      strings.TrimSpace(item.Size),
			Category:  strings.TrimSpace(item.Category),
			Kind:      strings.TrimSpace(item.Kind),
			IsDigital: item.IsDigital,
			Title:     strings.TrimSpace(item.Title),
		})
	}

	session, err := h.checkout.CreateCheckoutSession(ctx, services.CreateCheckoutSessionCommand{Items: items})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, checkoutResponse{
		SessionID:       session.SessionID,
		URL:             session.RedirectURL,
		ExpiresAt:       formatTime(session.ExpiresAt),
		CollectShipping: session.CollectShipping,
		ShippingAmount:  session.ShippingAmount,
		Currency:        session.Currency,
	})
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	var checkoutErr *services.CheckoutError
	switch {
	case errors.Is(err, services.ErrValidation):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.As(err, &checkoutErr):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_failed", checkoutErr.Message, http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to process checkout request", http.StatusInternalServerError))
	}
}
