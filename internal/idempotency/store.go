package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/emperorhan/chatpay-settlement/internal/domain/model"
)

// Store persists execution records. CreateIfAbsent is the compare-and-set that
// elects exactly one executor per key.
type Store interface {
	Get(ctx context.Context, key string) (*model.IdempotencyRecord, error)
	CreateIfAbsent(ctx context.Context, rec model.IdempotencyRecord) (bool, error)
	Complete(ctx context.Context, key string, result json.RawMessage, at time.Time) error
	Fail(ctx context.Context, key string, kind, reason string, at time.Time) error
	Delete(ctx context.Context, key string) error
	// PurgeOlderThan removes records created before cutoff.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryStore keeps records in process.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]model.IdempotencyRecord
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]model.IdempotencyRecord)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*model.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) CreateIfAbsent(_ context.Context, rec model.IdempotencyRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.Key]; ok {
		return false, nil
	}
	s.records[rec.Key] = rec
	return true, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, result json.RawMessage, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[key]
	rec.Key = key
	rec.Status = model.IdempotencyCompleted
	rec.Result = append(json.RawMessage(nil), result...)
	rec.UpdatedAt = at
	s.records[key] = rec
	return nil
}

func (s *MemoryStore) Fail(_ context.Context, key string, kind, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[key]
	rec.Key = key
	rec.Status = model.IdempotencyFailed
	rec.ErrorKind = kind
	rec.Error = reason
	rec.UpdatedAt = at
	s.records[key] = rec
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

func (s *MemoryStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, rec := range s.records {
		if rec.CreatedAt.Before(cutoff) {
			delete(s.records, key)
			n++
		}
	}
	return n, nil
}
