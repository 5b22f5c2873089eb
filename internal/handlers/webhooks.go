package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/platform/httpx"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/platform/requestctx"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/services"
)

const (
	maxWebhookBodySize    = 1 << 20
	stripeSignatureHeader = "Stripe-Signature"
	retryAfterSeconds     = "30"
)

// PaymentWebhookHandlers receives payment provider callbacks.
type PaymentWebhookHandlers struct {
	webhooks services.WebhookService
}

// NewPaymentWebhookHandlers constructs the payment webhook handlers.
func NewPaymentWebhookHandlers(webhooks services.WebhookService) *PaymentWebhookHandlers {
	return &PaymentWebhookHandlers{webhooks: webhooks}
}

// Routes registers webhook endpoints under the /webhooks group.
func (h *PaymentWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.handleStripe)
}

type webhookResponse struct {
	Received bool   `json:"received"`
	EventID  string `json:"eventId,omitempty"`
	Status   string `json:"status,omitempty"`
}

func (h *PaymentWebhookHandlers) handleStripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.webhooks == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "webhook processing unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), bodyErrorStatus(err)))
		return
	}

	result, err := h.webhooks.HandleStripeEvent(ctx, services.StripeWebhookCommand{
		Payload:   body,
		Signature: r.Header.Get(stripeSignatureHeader),
	})
	if err != nil {
		if errors.Is(err, services.ErrSignature) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
			return
		}
		writeFulfillmentError(ctx, w, err)
		return
	}

	requestctx.Logger(ctx).Info("stripe webhook processed",
		zap.String("event_id", result.EventID),
		zap.String("event_type", result.EventType),
		zap.String("session_id", result.SessionID),
		zap.String("run_status", string(result.Run.Status)),
		zap.Int("failed_items", result.Run.Failed()),
	)

	httpx.WriteJSON(w, http.StatusOK, webhookResponse{
		Received: true,
		EventID:  result.EventID,
		Status:   string(result.Run.Status),
	})
}

// writeFulfillmentError maps fulfillment failures so the payment provider redelivers transient ones.
func writeFulfillmentError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrValidation):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrFulfillmentInFlight):
		w.Header().Set("Retry-After", retryAfterSeconds)
		httpx.WriteError(ctx, w, httpx.NewError("fulfillment_in_flight", "session is already being fulfilled", http.StatusConflict))
	case errors.Is(err, services.ErrRoutingUnavailable):
		w.Header().Set("Retry-After", retryAfterSeconds)
		httpx.WriteError(ctx, w, httpx.NewError("routing_unavailable", "routing table unavailable", http.StatusServiceUnavailable))
	case errors.Is(err, services.ErrLedgerUnavailable):
		w.Header().Set("Retry-After", retryAfterSeconds)
		httpx.WriteError(ctx, w, httpx.NewError("ledger_unavailable", "fulfillment ledger unavailable", http.StatusServiceUnavailable))
	case errors.Is(err, services.ErrPaymentProviderUnavailable):
		w.Header().Set("Retry-After", retryAfterSeconds)
		httpx.WriteError(ctx, w, httpx.NewError("payment_provider_unavailable", "payment session could not be retrieved", http.StatusServiceUnavailable))
	default:
		requestctx.Logger(ctx).Error("fulfillment failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("fulfillment_error", "failed to process fulfillment", http.StatusInternalServerError))
	}
}
