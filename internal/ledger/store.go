package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/domain"
)

const (
	// DefaultLease bounds how long one delivery may hold a session before another may take over.
	DefaultLease = 2 * time.Minute
	// DefaultRetention is how long session records are kept after the last write.
	DefaultRetention = 30 * 24 * time.Hour
)

// Status is the lifecycle state of a session record.
type Status string

const (
	// StatusInFlight means a delivery holds the lease and is dispatching.
	StatusInFlight Status = "in_flight"
	// StatusOpen means a previous attempt finished with failures and the session may be retried.
	StatusOpen Status = "open"
	// StatusCompleted means every item succeeded.
	StatusCompleted Status = "completed"
)

// State describes the result of Reserve.
type State int

const (
	// StateNew means the caller holds the lease and should dispatch.
	StateNew State = iota
	// StateInFlight means another delivery holds an unexpired lease.
	StateInFlight
	// StateCompleted means nothing remains to do for the session.
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInFlight:
		return "in_flight"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Record is the idempotency state held for one payment session.
type Record struct {
	SessionID  string
	Status     Status
	Attempts   int
	Outcomes   map[string]domain.FulfillmentOutcome
	LeaseUntil time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ExpiresAt  time.Time
}

// Succeeded reports whether the item already has a terminal success.
func (r Record) Succeeded(itemKey string) bool {
	outcome, ok := r.Outcomes[itemKey]
	return ok && outcome.Succeeded()
}

// Reservation is returned by Reserve.
type Reservation struct {
	State  State
	Record Record
}

// Store persists per-session fulfillment state.
type Store interface {
	Reserve(ctx context.Context, sessionID string, now time.Time, lease time.Duration) (Reservation, error)
	RecordOutcome(ctx context.Context, sessionID string, outcome domain.FulfillmentOutcome, now time.Time) error
	Complete(ctx context.Context, sessionID string, now time.Time) error
	Release(ctx context.Context, sessionID string, now time.Time) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

func documentID(sessionID string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(sessionID)))
	return hex.EncodeToString(sum[:])
}

func copyOutcomes(in map[string]domain.FulfillmentOutcome) map[string]domain.FulfillmentOutcome {
	out := make(map[string]domain.FulfillmentOutcome, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
