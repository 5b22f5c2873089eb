package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/platform/auth"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/platform/httpx"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/platform/requestctx"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/services"
)

const (
	maxReplayBodySize = 4 * 1024
	replayTrigger     = "ops.replay"
)

// FulfillmentReplayHandlers re-runs fulfillment for a paid session on operator request.
// Items that already succeeded are skipped by the ledger.
type FulfillmentReplayHandlers struct {
	fulfillment services.FulfillmentService
}

// NewFulfillmentReplayHandlers constructs the internal replay handlers.
func NewFulfillmentReplayHandlers(fulfillment services.FulfillmentService) *FulfillmentReplayHandlers {
	return &FulfillmentReplayHandlers{fulfillment: fulfillment}
}

// Routes registers the replay endpoint under the /internal group.
func (h *FulfillmentReplayHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/fulfillment/replay", h.replay)
}

type replayRequest struct {
	SessionID string `json:"sessionId"`
}

type replayResponse struct {
	RunID           string            `json:"runId"`
	SessionID       string            `json:"sessionId"`
	Status          string            `json:"status"`
	Attempt         int               `json:"attempt"`
	SnapshotVersion string            `json:"snapshotVersion,omitempty"`
	Failed          int               `json:"failed"`
	Outcomes        []outcomeResponse `json:"outcomes"`
	RequestedBy     string            `json:"requestedBy,omitempty"`
}

type outcomeResponse struct {
	ItemKey         string `json:"itemKey"`
	SKU             string `json:"sku"`
	Provider        string `json:"provider"`
	Status          string `json:"status"`
	ProviderOrderID string `json:"providerOrderId,omitempty"`
	Detail          string `json:"detail,omitempty"`
	CompletedAt     string `json:"completedAt,omitempty"`
}

func (h *FulfillmentReplayHandlers) replay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.fulfillment == nil {
		httpx.WriteError(ctx, w, httpx.NewError("fulfillment_unavailable", "fulfillment service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxReplayBodySize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), bodyErrorStatus(err)))
		return
	}
	var req replayRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "sessionId is required", http.StatusBadRequest))
		return
	}
	ctx = requestctx.WithEvent(ctx, requestctx.EventInfo{EventType: replayTrigger, SessionID: sessionID})

	run, err := h.fulfillment.FulfillSession(ctx, services.FulfillSessionCommand{
		SessionID: sessionID,
		Trigger:   replayTrigger,
	})
	if err != nil {
		writeFulfillmentError(ctx, w, err)
		return
	}
	if run.Status == services.RunNotPaid {
		httpx.WriteError(ctx, w, httpx.NewError("session_not_paid", "session has not been paid", http.StatusConflict))
		return
	}

	resp := replayResponse{
		RunID:           run.RunID,
		SessionID:       run.SessionID,
		Status:          string(run.Status),
		Attempt:         run.Attempt,
		SnapshotVersion: run.SnapshotVersion,
		Failed:          run.Failed(),
		Outcomes:        make([]outcomeResponse, 0, len(run.Outcomes)),
	}
	if caller, ok := auth.CallerFromContext(ctx); ok {
		resp.RequestedBy = caller.KeyName
	}
	for _, outcome := range run.Outcomes {
		resp.Outcomes = append(resp.Outcomes, outcomeResponse{
			ItemKey:         outcome.ItemKey,
			SKU:             outcome.SKU,
			Provider:        string(outcome.Provider),
			Status:          string(outcome.Status),
			ProviderOrderID: outcome.ProviderOrderID,
			Detail:          outcome.Detail,
			CompletedAt:     formatTime(outcome.CompletedAt),
		})
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}
