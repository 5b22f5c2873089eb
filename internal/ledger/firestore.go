package ledger

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/domain"
	pfirestore "github.com/Lyrion1/lyrion-co-uk-sub000/internal/platform/firestore"
)

const (
	defaultCollection  = "fulfillment_sessions"
	defaultMaxAttempts = 5
	outcomesField      = "outcomes"
)

// FirestoreOption customises the FirestoreStore.
type FirestoreOption func(*FirestoreStore)

// WithCollection overrides the collection name.
func WithCollection(name string) FirestoreOption {
	return func(store *FirestoreStore) {
		if name != "" {
			store.collection = name
		}
	}
}

// WithMaxAttempts configures transaction retry attempts.
func WithMaxAttempts(attempts int) FirestoreOption {
	return func(store *FirestoreStore) {
		if attempts > 0 {
			store.maxAttempts = attempts
		}
	}
}

// WithRetention overrides how long records are kept.
func WithRetention(retention time.Duration) FirestoreOption {
	return func(store *FirestoreStore) {
		if retention > 0 {
			store.retention = retention
		}
	}
}

// FirestoreStore implements Store with one document per payment session.
type FirestoreStore struct {
	provider    *pfirestore.Provider
	collection  string
	maxAttempts int
	retention   time.Duration
}

// NewFirestoreStore constructs a Firestore-backed ledger.
func NewFirestoreStore(provider *pfirestore.Provider, opts ...FirestoreOption) (*FirestoreStore, error) {
	if provider == nil {
		return nil, errors.New("ledger: firestore provider is required")
	}
	store := &FirestoreStore{
		provider:    provider,
		collection:  defaultCollection,
		maxAttempts: defaultMaxAttempts,
		retention:   DefaultRetention,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

func (s *FirestoreStore) doc(ctx context.Context, sessionID string) (*firestore.DocumentRef, error) {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(s.collection).Doc(documentID(sessionID)), nil
}

// Reserve takes the session lease inside a transaction.
func (s *FirestoreStore) Reserve(ctx context.Context, sessionID string, now time.Time, lease time.Duration) (Reservation, error) {
	now = now.UTC()
	if lease <= 0 {
		lease = DefaultLease
	}
	ref, err := s.doc(ctx, sessionID)
	if err != nil {
		return Reservation{}, err
	}

	var result Reservation
	err = s.provider.RunTransaction(ctx, s.maxAttempts, func(ctx context.Context, tx *firestore.Transaction) error {
		var record firestoreRecord
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
			record = firestoreRecord{SessionID: sessionID, CreatedAt: now}
		case err != nil:
			return err
		default:
			if err := snap.DataTo(&record); err != nil {
				return err
			}
			if !now.Before(record.ExpiresAt) {
				record = firestoreRecord{SessionID: sessionID, CreatedAt: now}
			}
		}

		switch {
		case record.Status == string(StatusCompleted):
			result = Reservation{State: StateCompleted, Record: record.toRecord()}
			return nil
		case record.Status == string(StatusInFlight) && now.Before(record.LeaseUntil):
			result = Reservation{State: StateInFlight, Record: record.toRecord()}
			return nil
		}

		record.Status = string(StatusInFlight)
		record.Attempts++
		record.LeaseUntil = now.Add(lease)
		record.UpdatedAt = now
		record.ExpiresAt = now.Add(s.retention)
		if err := tx.Set(ref, record); err != nil {
			return err
		}
		result = Reservation{State: StateNew, Record: record.toRecord()}
		return nil
	})

	return result, err
}

// RecordOutcome writes a single map entry so concurrent items do not contend on a transaction.
func (s *FirestoreStore) RecordOutcome(ctx context.Context, sessionID string, outcome domain.FulfillmentOutcome, now time.Time) error {
	ref, err := s.doc(ctx, sessionID)
	if err != nil {
		return err
	}
	_, err = ref.Update(ctx, []firestore.Update{
		{FieldPath: firestore.FieldPath{outcomesField, outcome.ItemKey}, Value: fromOutcome(outcome)},
		{Path: "updated_at", Value: now.UTC()},
	})
	return s.mutationError("record outcome", err)
}

// Complete marks every item done.
func (s *FirestoreStore) Complete(ctx context.Context, sessionID string, now time.Time) error {
	return s.finish(ctx, sessionID, StatusCompleted, now)
}

// Release drops the lease and keeps outcomes for the next attempt.
func (s *FirestoreStore) Release(ctx context.Context, sessionID string, now time.Time) error {
	return s.finish(ctx, sessionID, StatusOpen, now)
}

func (s *FirestoreStore) finish(ctx context.Context, sessionID string, st Status, now time.Time) error {
	now = now.UTC()
	ref, err := s.doc(ctx, sessionID)
	if err != nil {
		return err
	}
	_, err = ref.Update(ctx, []firestore.Update{
		{Path: "status", Value: string(st)},
		{Path: "lease_until", Value: time.Time{}},
		{Path: "updated_at", Value: now},
		{Path: "expires_at", Value: now.Add(s.retention)},
	})
	return s.mutationError(string(st), err)
}

func (s *FirestoreStore) mutationError(op string, err error) error {
	if err == nil {
		return nil
	}
	if status.Code(err) == codes.NotFound {
		return ErrUnknownSession
	}
	return pfirestore.WrapError(op, err)
}

// CleanupExpired removes records past retention, up to limit.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	client, err := s.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	docs, err := client.Collection(s.collection).Where("expires_at", "<=", now.UTC()).Limit(limit).Documents(ctx).GetAll()
	if err != nil {
		return 0, pfirestore.WrapError("cleanup query", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}
	batch := client.Batch()
	for _, doc := range docs {
		batch.Delete(doc.Ref)
	}
	if _, err := batch.Commit(ctx); err != nil {
		return 0, pfirestore.WrapError("cleanup commit", err)
	}
	return len(docs), nil
}

type firestoreOutcome struct {
	SKU             string    `firestore:"sku"`
	Provider        string    `firestore:"provider"`
	Status          string    `firestore:"status"`
	ProviderOrderID string    `firestore:"provider_order_id,omitempty"`
	Detail          string    `firestore:"detail,omitempty"`
	CompletedAt     time.Time `firestore:"completed_at"`
}

type firestoreRecord struct {
	SessionID  string                      `firestore:"session_id"`
	Status     string                      `firestore:"status"`
	Attempts   int                         `firestore:"attempts"`
	Outcomes   map[string]firestoreOutcome `firestore:"outcomes"`
	LeaseUntil time.Time                   `firestore:"lease_until"`
	CreatedAt  time.Time                   `firestore:"created_at"`
	UpdatedAt  time.Time                   `firestore:"updated_at"`
	ExpiresAt  time.Time                   `firestore:"expires_at"`
}

func fromOutcome(o domain.FulfillmentOutcome) firestoreOutcome {
	return firestoreOutcome{
		SKU:             o.SKU,
		Provider:        string(o.Provider),
		Status:          string(o.Status),
		ProviderOrderID: o.ProviderOrderID,
		Detail:          o.Detail,
		CompletedAt:     o.CompletedAt.UTC(),
	}
}

func (r firestoreRecord) toRecord() Record {
	outcomes := make(map[string]domain.FulfillmentOutcome, len(r.Outcomes))
	for key, o := range r.Outcomes {
		outcomes[key] = domain.FulfillmentOutcome{
			ItemKey:         key,
			SKU:             o.SKU,
			Provider:        domain.ProviderID(o.Provider),
			Status:          domain.OutcomeStatus(o.Status),
			ProviderOrderID: o.ProviderOrderID,
			Detail:          o.Detail,
			CompletedAt:     o.CompletedAt,
		}
	}
	return Record{
		SessionID:  r.SessionID,
		Status:     Status(r.Status),
		Attempts:   r.Attempts,
		Outcomes:   outcomes,
		LeaseUntil: r.LeaseUntil,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
		ExpiresAt:  r.ExpiresAt,
	}
}
