package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/catalog"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/domain"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/ledger"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/payments"
)

type itemDispatcher interface {
	Dispatch(ctx context.Context, runID string, items []domain.NormalizedOrderItem, faults []ItemFault) []domain.FulfillmentOutcome
}

// FulfillmentServiceDeps wires the collaborators used to fulfill a paid session.
type FulfillmentServiceDeps struct {
	Sessions   sessionRetriever
	Catalog    catalog.Source
	Ledger     ledger.Store
	Dispatcher itemDispatcher
	Lease      time.Duration
	Tracer     trace.Tracer
	Clock      func() time.Time
	IDGen      func() string
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type fulfillmentService struct {
	sessions   sessionRetriever
	catalog    catalog.Source
	ledger     ledger.Store
	dispatcher itemDispatcher
	lease      time.Duration
	tracer     trace.Tracer
	now        func() time.Time
	newID      func() string
	logger     func(ctx context.Context, event string, fields map[string]any)
}

var _ FulfillmentService = (*fulfillmentService)(nil)

// NewFulfillmentService constructs the session fulfillment pipeline.
func NewFulfillmentService(deps FulfillmentServiceDeps) (FulfillmentService, error) {
	if deps.Sessions == nil {
		return nil, errors.New("fulfillment service: session retriever is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("fulfillment service: catalog source is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("fulfillment service: ledger is required")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("fulfillment service: dispatcher is required")
	}

	lease := deps.Lease
	if lease <= 0 {
		lease = ledger.DefaultLease
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGen
	if idGen == nil {
		idGen = func() string { return fmt.Sprintf("run_%d", clock().UnixNano()) }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &fulfillmentService{
		sessions:   deps.Sessions,
		catalog:    deps.Catalog,
		ledger:     deps.Ledger,
		dispatcher: deps.Dispatcher,
		lease:      lease,
		tracer:     tracer,
		now: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// FulfillSession retrieves the authoritative session, claims it in the ledger, routes every
// line against a fresh snapshot, and dispatches what has not already succeeded.
func (s *fulfillmentService) FulfillSession(ctx context.Context, cmd FulfillSessionCommand) (FulfillmentRun, error) {
	sessionID := strings.TrimSpace(cmd.SessionID)
	if sessionID == "" {
		return FulfillmentRun{}, invalid("sessionId", "is required")
	}

	run := FulfillmentRun{RunID: s.newID(), SessionID: sessionID}
	ctx, span := s.tracer.Start(ctx, "fulfillment.session", trace.WithAttributes(
		attribute.String("fulfillment.session_id", sessionID),
		attribute.String("fulfillment.run_id", run.RunID),
		attribute.String("fulfillment.trigger", cmd.Trigger),
	))
	defer span.End()

	run, err := s.fulfill(ctx, cmd, run)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "fulfillment aborted")
	}
	return run, err
}

func (s *fulfillmentService) fulfill(ctx context.Context, cmd FulfillSessionCommand, run FulfillmentRun) (FulfillmentRun, error) {
	session, err := s.sessions.RetrieveSession(ctx, run.SessionID)
	if err != nil {
		if errors.Is(err, payments.ErrSessionNotFound) {
			return run, invalid("sessionId", "unknown session %s", run.SessionID)
		}
		return run, fmt.Errorf("%w: %v", ErrPaymentProviderUnavailable, err)
	}
	if !session.Paid() {
		s.logger(ctx, "fulfillment.session.not_paid", map[string]any{
			"runId":         run.RunID,
			"sessionId":     run.SessionID,
			"paymentStatus": session.PaymentStatus,
			"trigger":       cmd.Trigger,
		})
		run.Status = RunNotPaid
		return run, nil
	}

	reservation, err := s.ledger.Reserve(ctx, run.SessionID, s.now(), s.lease)
	if err != nil {
		return run, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	run.Attempt = reservation.Record.Attempts
	switch reservation.State {
	case ledger.StateCompleted:
		s.logger(ctx, "fulfillment.session.already_completed", map[string]any{
			"runId":     run.RunID,
			"sessionId": run.SessionID,
			"eventId":   cmd.EventID,
		})
		run.Status = RunAlreadyCompleted
		return run, nil
	case ledger.StateInFlight:
		return run, ErrFulfillmentInFlight
	}

	snapshot, err := s.catalog.Fetch(ctx)
	if err != nil {
		s.release(ctx, run.SessionID)
		return run, &RoutingUnavailableError{Err: err}
	}
	run.SnapshotVersion = snapshot.Version

	routed := routeCandidates(snapshot, NormalizeSession(session))
	pending, skipped := partitionDone(routed.dispatch, reservation.Record)

	s.logger(ctx, "fulfillment.session.routed", map[string]any{
		"runId":           run.RunID,
		"sessionId":       run.SessionID,
		"eventId":         cmd.EventID,
		"trigger":         cmd.Trigger,
		"attempt":         run.Attempt,
		"snapshotVersion": snapshot.Version,
		"dispatch":        len(pending),
		"skipped":         len(skipped),
		"faults":          len(routed.faults),
	})

	outcomes := s.dispatcher.Dispatch(ctx, run.RunID, pending, routed.faults)
	run.Outcomes = append(skipped, outcomes...)

	run.Status = RunCompleted
	if run.Failed() > 0 {
		run.Status = RunPartial
	}

	// Ledger writes use a fresh context so a cancelled request still releases the lease.
	finishCtx := context.WithoutCancel(ctx)
	if run.Status == RunCompleted {
		if err := s.ledger.Complete(finishCtx, run.SessionID, s.now()); err != nil {
			s.logger(ctx, "fulfillment.ledger.complete_failed", map[string]any{
				"sessionId": run.SessionID,
				"error":     err.Error(),
			})
		}
	} else {
		s.release(finishCtx, run.SessionID)
	}

	s.logger(ctx, "fulfillment.session.finished", map[string]any{
		"runId":     run.RunID,
		"sessionId": run.SessionID,
		"status":    string(run.Status),
		"items":     len(run.Outcomes),
		"failed":    run.Failed(),
	})
	return run, nil
}

func (s *fulfillmentService) release(ctx context.Context, sessionID string) {
	if err := s.ledger.Release(ctx, sessionID, s.now()); err != nil {
		s.logger(ctx, "fulfillment.ledger.release_failed", map[string]any{
			"sessionId": sessionID,
			"error":     err.Error(),
		})
	}
}

// partitionDone separates items already fulfilled by an earlier delivery.
func partitionDone(items []domain.NormalizedOrderItem, record ledger.Record) ([]domain.NormalizedOrderItem, []domain.FulfillmentOutcome) {
	pending := make([]domain.NormalizedOrderItem, 0, len(items))
	var skipped []domain.FulfillmentOutcome
	for _, item := range items {
		prior, ok := record.Outcomes[item.Key()]
		if !ok || !prior.Succeeded() {
			pending = append(pending, item)
			continue
		}
		skipped = append(skipped, domain.FulfillmentOutcome{
			ItemKey:         item.Key(),
			SKU:             item.SKU,
			Provider:        prior.Provider,
			Status:          domain.OutcomeSkipped,
			ProviderOrderID: prior.ProviderOrderID,
			Detail:          "already fulfilled",
			CompletedAt:     prior.CompletedAt,
		})
	}
	return pending, skipped
}
