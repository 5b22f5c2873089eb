package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/domain"
)

// ErrUnknownSession is returned when writing to a session that was never reserved.
var ErrUnknownSession = errors.New("ledger: session not reserved")

// MemoryStore keeps records in process. Suitable for tests and local development.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[string]Record
	retention time.Duration
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryStore{records: make(map[string]Record), retention: retention}
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, sessionID string, now time.Time, lease time.Duration) (Reservation, error) {
	now = now.UTC()
	if lease <= 0 {
		lease = DefaultLease
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := documentID(sessionID)
	record, ok := s.records[id]
	if !ok || !now.Before(record.ExpiresAt) {
		record = Record{
			SessionID: sessionID,
			Outcomes:  map[string]domain.FulfillmentOutcome{},
			CreatedAt: now,
		}
	}

	switch {
	case record.Status == StatusCompleted:
		return Reservation{State: StateCompleted, Record: cloneRecord(record)}, nil
	case record.Status == StatusInFlight && now.Before(record.LeaseUntil):
		return Reservation{State: StateInFlight, Record: cloneRecord(record)}, nil
	}

	record.Status = StatusInFlight
	record.Attempts++
	record.LeaseUntil = now.Add(lease)
	record.UpdatedAt = now
	record.ExpiresAt = now.Add(s.retention)
	s.records[id] = record
	return Reservation{State: StateNew, Record: cloneRecord(record)}, nil
}

// RecordOutcome implements Store.
func (s *MemoryStore) RecordOutcome(_ context.Context, sessionID string, outcome domain.FulfillmentOutcome, now time.Time) error {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	id := documentID(sessionID)
	record, ok := s.records[id]
	if !ok {
		return ErrUnknownSession
	}
	record.Outcomes = copyOutcomes(record.Outcomes)
	record.Outcomes[outcome.ItemKey] = outcome
	record.UpdatedAt = now
	s.records[id] = record
	return nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(_ context.Context, sessionID string, now time.Time) error {
	return s.finish(sessionID, StatusCompleted, now)
}

// Release implements Store. Outcomes are kept so a retry skips items that already succeeded.
func (s *MemoryStore) Release(_ context.Context, sessionID string, now time.Time) error {
	return s.finish(sessionID, StatusOpen, now)
}

func (s *MemoryStore) finish(sessionID string, status Status, now time.Time) error {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	id := documentID(sessionID)
	record, ok := s.records[id]
	if !ok {
		return ErrUnknownSession
	}
	record.Status = status
	record.LeaseUntil = time.Time{}
	record.UpdatedAt = now
	record.ExpiresAt = now.Add(s.retention)
	s.records[id] = record
	return nil
}

// CleanupExpired implements Store.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}
	removed := 0
	for id, record := range s.records {
		if removed >= limit {
			break
		}
		if now.Before(record.ExpiresAt) {
			continue
		}
		delete(s.records, id)
		removed++
	}
	return removed, nil
}

func cloneRecord(r Record) Record {
	r.Outcomes = copyOutcomes(r.Outcomes)
	return r
}
