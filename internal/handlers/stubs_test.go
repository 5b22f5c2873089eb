package handlers

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/services"
)

type stubCheckoutService struct {
	createFunc func(ctx context.Context, cmd services.CreateCheckoutSessionCommand) (services.CheckoutSession, error)
}

func (s *stubCheckoutService) CreateCheckoutSession(ctx context.Context, cmd services.CreateCheckoutSessionCommand) (services.CheckoutSession, error) {
	if s.createFunc != nil {
		return s.createFunc(ctx, cmd)
	}
	return services.CheckoutSession{}, nil
}

type stubWebhookService struct {
	handleFunc func(ctx context.Context, cmd services.StripeWebhookCommand) (services.WebhookResult, error)
}

func (s *stubWebhookService) HandleStripeEvent(ctx context.Context, cmd services.StripeWebhookCommand) (services.WebhookResult, error) {
	if s.handleFunc != nil {
		return s.handleFunc(ctx, cmd)
	}
	return services.WebhookResult{}, nil
}

type stubFulfillmentService struct {
	fulfillFunc func(ctx context.Context, cmd services.FulfillSessionCommand) (services.FulfillmentRun, error)
}

func (s *stubFulfillmentService) FulfillSession(ctx context.Context, cmd services.FulfillSessionCommand) (services.FulfillmentRun, error) {
	if s.fulfillFunc != nil {
		return s.fulfillFunc(ctx, cmd)
	}
	return services.FulfillmentRun{}, nil
}

type stubReadinessService struct {
	report services.ReadinessReport
	err    error
}

func (s *stubReadinessService) Check(context.Context) (services.ReadinessReport, error) {
	return s.report, s.err
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	return body
}
