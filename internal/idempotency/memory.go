package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store with TTL support. Suitable for testing
// and single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Record
	now     func() time.Time
}

// NewMemoryStore creates a new in-memory claim store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*Record),
		now:     time.Now,
	}
}

// Claim atomically takes key under the store mutex.
func (s *MemoryStore) Claim(_ context.Context, key, executionID, inputHash string, ttl time.Duration) (ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if rec, ok := s.entries[key]; ok && now.Before(rec.ExpiresAt) {
		switch rec.State {
		case StateCompleted:
			if err := checkHash(key, rec.InputHash, inputHash); err != nil {
				return nil, err
			}
			return AlreadyCompleted{ExecutionID: rec.ExecutionID, Payload: rec.Payload}, nil
		default:
			return AlreadyRunning{ExecutionID: rec.ExecutionID}, nil
		}
	}

	s.entries[key] = &Record{
		Key:         key,
		ExecutionID: executionID,
		State:       StateInProgress,
		InputHash:   inputHash,
		ExpiresAt:   now.Add(ttl),
	}
	return Acquired{}, nil
}

// Complete caches payload on the claim owned by executionID.
func (s *MemoryStore) Complete(_ context.Context, key, executionID string, payload json.RawMessage, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.entries[key]
	if !ok || rec.ExecutionID != executionID {
		return notOwnerError(key, executionID)
	}
	rec.State = StateCompleted
	rec.Payload = append(json.RawMessage(nil), payload...)
	rec.ExpiresAt = s.now().Add(ttl)
	return nil
}

// Extend renews a live IN_PROGRESS claim owned by executionID.
func (s *MemoryStore) Extend(_ context.Context, key, executionID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec, ok := s.entries[key]
	if !ok || rec.ExecutionID != executionID || rec.State != StateInProgress || !now.Before(rec.ExpiresAt) {
		return notOwnerError(key, executionID)
	}
	rec.ExpiresAt = now.Add(ttl)
	return nil
}

// Release deletes the claim if executionID owns it.
func (s *MemoryStore) Release(_ context.Context, key, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.entries[key]; ok && rec.ExecutionID == executionID {
		delete(s.entries, key)
	}
	return nil
}

// Get returns a copy of the live record for key.
func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.entries[key]
	if !ok || !s.now().Before(rec.ExpiresAt) {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
