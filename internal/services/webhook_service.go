package services

import (
	"context"
	"errors"
	"strings"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/payments"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/platform/requestctx"
)

// WebhookServiceDeps wires the webhook intake.
type WebhookServiceDeps struct {
	Verifier    eventVerifier
	Fulfillment FulfillmentService
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type webhookService struct {
	verifier    eventVerifier
	fulfillment FulfillmentService
	logger      func(ctx context.Context, event string, fields map[string]any)
}

var _ WebhookService = (*webhookService)(nil)

// NewWebhookService constructs the payment webhook intake.
func NewWebhookService(deps WebhookServiceDeps) (WebhookService, error) {
	if deps.Verifier == nil {
		return nil, errors.New("webhook service: event verifier is required")
	}
	if deps.Fulfillment == nil {
		return nil, errors.New("webhook service: fulfillment service is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &webhookService{
		verifier:    deps.Verifier,
		fulfillment: deps.Fulfillment,
		logger:      logger,
	}, nil
}

// HandleStripeEvent verifies the raw payload before anything is decoded, then fulfills the
// referenced session for payment-completed events. Other event types are acknowledged as is.
func (s *webhookService) HandleStripeEvent(ctx context.Context, cmd StripeWebhookCommand) (WebhookResult, error) {
	if len(cmd.Payload) == 0 {
		return WebhookResult{}, &SignatureError{Err: errors.New("empty payload")}
	}
	if strings.TrimSpace(cmd.Signature) == "" {
		return WebhookResult{}, &SignatureError{Err: errors.New("missing signature header")}
	}

	event, err := s.verifier.VerifyEvent(cmd.Payload, cmd.Signature)
	if err != nil {
		s.logger(ctx, "webhook.stripe.rejected", map[string]any{
			"error": err.Error(),
		})
		return WebhookResult{}, &SignatureError{Err: err}
	}

	ctx = requestctx.WithEvent(ctx, requestctx.EventInfo{EventID: event.ID, EventType: event.Type, SessionID: event.SessionID})
	result := WebhookResult{
		EventID:   event.ID,
		EventType: event.Type,
		SessionID: event.SessionID,
	}

	if !triggersFulfillment(event.Type) {
		s.logger(ctx, "webhook.stripe.ignored", map[string]any{
			"eventId":   event.ID,
			"eventType": event.Type,
		})
		return result, nil
	}
	if strings.TrimSpace(event.SessionID) == "" {
		return result, invalid("data.object.id", "event %s carries no checkout session", event.ID)
	}

	s.logger(ctx, "webhook.stripe.verified", map[string]any{
		"eventId":   event.ID,
		"eventType": event.Type,
		"sessionId": event.SessionID,
		"livemode":  event.Livemode,
	})

	run, err := s.fulfillment.FulfillSession(ctx, FulfillSessionCommand{
		SessionID: event.SessionID,
		EventID:   event.ID,
		Trigger:   event.Type,
	})
	result.Run = run
	if err != nil {
		return result, err
	}
	result.Handled = run.Status == RunCompleted || run.Status == RunPartial
	return result, nil
}

func triggersFulfillment(eventType string) bool {
	switch eventType {
	case payments.EventCheckoutCompleted, payments.EventCheckoutAsyncPaymentSucceed:
		return true
	default:
		return false
	}
}
