package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/domain"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/platform/auth"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/services"
)

func TestFulfillmentReplayReturnsOutcomes(t *testing.T) {
	completed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var captured services.FulfillSessionCommand
	svc := &stubFulfillmentService{
		fulfillFunc: func(ctx context.Context, cmd services.FulfillSessionCommand) (services.FulfillmentRun, error) {
			captured = cmd
			return services.FulfillmentRun{
				RunID:     "run_1",
				SessionID: cmd.SessionID,
				Status:    services.RunPartial,
				Attempt:   2,
				Outcomes: []domain.FulfillmentOutcome{
					{ItemKey: "ARI-HOOD-STD", SKU: "ARI-HOOD-STD", Provider: domain.ProviderPrintful, Status: domain.OutcomeSkipped},
					{ItemKey: "MUG-1", SKU: "MUG-1", Provider: domain.ProviderPrintify, Status: domain.OutcomeFailed, Detail: "printify returned 500", CompletedAt: completed},
				},
			}, nil
		},
	}

	router := chi.NewRouter()
	NewFulfillmentReplayHandlers(svc).Routes(router)

	req := httptest.NewRequest(http.MethodPost, "/fulfillment/replay", bytes.NewBufferString(`{"sessionId":" cs_test_9 "}`))
	req = req.WithContext(auth.WithCaller(req.Context(), &auth.Caller{KeyName: "ops"}))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.SessionID != "cs_test_9" || captured.Trigger != replayTrigger {
		t.Fatalf("unexpected command %+v", captured)
	}

	body := decodeBody(t, rr)
	if body["status"] != "partial" || body["failed"] != float64(1) || body["requestedBy"] != "ops" {
		t.Fatalf("unexpected body %v", body)
	}
	outcomes, _ := body["outcomes"].([]any)
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %v", body["outcomes"])
	}
	failed, _ := outcomes[1].(map[string]any)
	if failed["status"] != string(domain.OutcomeFailed) || failed["detail"] != "printify returned 500" || failed["completedAt"] != "2024-03-01T12:00:00Z" {
		t.Fatalf("unexpected failed outcome %v", failed)
	}
}

func TestFulfillmentReplayValidation(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		run    services.FulfillmentRun
		err    error
		status int
		code   string
	}{
		{name: "missing session", body: `{"sessionId":""}`, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "invalid json", body: `nope`, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "not paid", body: `{"sessionId":"cs_1"}`, run: services.FulfillmentRun{Status: services.RunNotPaid}, status: http.StatusConflict, code: "session_not_paid"},
		{name: "in flight", body: `{"sessionId":"cs_1"}`, err: services.ErrFulfillmentInFlight, status: http.StatusConflict, code: "fulfillment_in_flight"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			router := chi.NewRouter()
			NewFulfillmentReplayHandlers(&stubFulfillmentService{
				fulfillFunc: func(context.Context, services.FulfillSessionCommand) (services.FulfillmentRun, error) {
					return tc.run, tc.err
				},
			}).Routes(router)

			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/fulfillment/replay", bytes.NewBufferString(tc.body)))

			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			if body := decodeBody(t, rr); body["error"] != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, body["error"])
			}
		})
	}
}
