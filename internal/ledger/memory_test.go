package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/domain"
)

func fixedTime() time.Time {
	return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestMemoryStoreReserveLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour)
	now := fixedTime()

	res, err := store.Reserve(ctx, "cs_1", now, time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.State != StateNew {
		t.Fatalf("expected new, got %s", res.State)
	}
	if res.Record.Attempts != 1 {
		t.Fatalf("expected attempt 1, got %d", res.Record.Attempts)
	}

	res, err = store.Reserve(ctx, "cs_1", now.Add(10*time.Second), time.Minute)
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if res.State != StateInFlight {
		t.Fatalf("expected in flight while lease held, got %s", res.State)
	}

	if err := store.Complete(ctx, "cs_1", now.Add(20*time.Second)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	res, err = store.Reserve(ctx, "cs_1", now.Add(30*time.Second), time.Minute)
	if err != nil {
		t.Fatalf("reserve after complete: %v", err)
	}
	if res.State != StateCompleted {
		t.Fatalf("expected completed, got %s", res.State)
	}
}

func TestMemoryStoreExpiredLeaseIsTakenOver(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour)
	now := fixedTime()

	if _, err := store.Reserve(ctx, "cs_2", now, time.Minute); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	res, err := store.Reserve(ctx, "cs_2", now.Add(2*time.Minute), time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.State != StateNew || res.Record.Attempts != 2 {
		t.Fatalf("expected takeover on attempt 2, got %s/%d", res.State, res.Record.Attempts)
	}
}

func TestMemoryStoreReleaseKeepsOutcomes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour)
	now := fixedTime()

	if _, err := store.Reserve(ctx, "cs_3", now, time.Minute); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	ok := domain.FulfillmentOutcome{ItemKey: "TEE-1", SKU: "TEE-1", Status: domain.OutcomeSucceeded, ProviderOrderID: "pf_1", CompletedAt: now}
	failed := domain.FulfillmentOutcome{ItemKey: "MUG-1", SKU: "MUG-1", Status: domain.OutcomeFailed, Detail: "boom", CompletedAt: now}
	for _, outcome := range []domain.FulfillmentOutcome{ok, failed} {
		if err := store.RecordOutcome(ctx, "cs_3", outcome, now); err != nil {
			t.Fatalf("record outcome: %v", err)
		}
	}
	if err := store.Release(ctx, "cs_3", now.Add(time.Second)); err != nil {
		t.Fatalf("release: %v", err)
	}

	res, err := store.Reserve(ctx, "cs_3", now.Add(2*time.Second), time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.State != StateNew {
		t.Fatalf("expected released session to be reservable, got %s", res.State)
	}
	if !res.Record.Succeeded("TEE-1") {
		t.Fatalf("expected TEE-1 to remain succeeded")
	}
	if res.Record.Succeeded("MUG-1") {
		t.Fatalf("expected MUG-1 to be retried")
	}
}

func TestMemoryStoreRecordsAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour)
	now := fixedTime()

	res, _ := store.Reserve(ctx, "cs_4", now, time.Minute)
	res.Record.Outcomes["X"] = domain.FulfillmentOutcome{Status: domain.OutcomeSucceeded}

	if err := store.Release(ctx, "cs_4", now); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, _ := store.Reserve(ctx, "cs_4", now, time.Minute)
	if again.Record.Succeeded("X") {
		t.Fatalf("caller mutation leaked into store")
	}
}

func TestMemoryStoreUnknownSession(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour)

	err := store.RecordOutcome(ctx, "missing", domain.FulfillmentOutcome{ItemKey: "A"}, fixedTime())
	if !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
	if err := store.Complete(ctx, "missing", fixedTime()); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestMemoryStoreCleanupExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour)
	now := fixedTime()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := store.Reserve(ctx, id, now, time.Minute); err != nil {
			t.Fatalf("reserve %s: %v", id, err)
		}
	}
	if _, err := store.Reserve(ctx, "fresh", now.Add(50*time.Minute), time.Minute); err != nil {
		t.Fatalf("reserve fresh: %v", err)
	}

	removed, err := store.CleanupExpired(ctx, now.Add(time.Hour), 2)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed with limit, got %d", removed)
	}
	removed, _ = store.CleanupExpired(ctx, now.Add(time.Hour), 0)
	if removed != 1 {
		t.Fatalf("expected remaining expired record removed, got %d", removed)
	}

	res, _ := store.Reserve(ctx, "fresh", now.Add(time.Hour), time.Minute)
	if res.Record.Attempts != 2 {
		t.Fatalf("fresh record should survive cleanup, got attempt %d", res.Record.Attempts)
	}
}

func TestMemoryStoreRetentionExpiryStartsOver(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour)
	now := fixedTime()

	if _, err := store.Reserve(ctx, "cs_5", now, time.Minute); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := store.Complete(ctx, "cs_5", now); err != nil {
		t.Fatalf("complete: %v", err)
	}
	res, _ := store.Reserve(ctx, "cs_5", now.Add(2*time.Hour), time.Minute)
	if res.State != StateNew || res.Record.Attempts != 1 {
		t.Fatalf("expected fresh record after retention, got %s/%d", res.State, res.Record.Attempts)
	}
}
